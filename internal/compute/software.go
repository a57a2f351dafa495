package compute

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/annel0/voxel-terrain/internal/vec"
)

// Options параметры программного устройства
type Options struct {
	Workers       int   // 0 — runtime.NumCPU()
	WorkgroupSize int   // размер рабочей группы по оси (по умолчанию 4, как local_size в шейдерах)
	MaxTextures   int   // 0 — без ограничений
	MaxBytes      int64 // 0 — без ограничений
}

// DeviceStats снимок состояния устройства
type DeviceStats struct {
	Textures int
	Resident int
	Bytes    int64
	InFlight int
}

type texture struct {
	id     TextureID
	desc   VolumeDesc
	mips   [][]uint8
	handle ResidencyHandle
}

type pendingAccess struct {
	reads   map[int]struct{}
	writes  map[int]struct{}
	readAll bool
}

type inflightDispatch struct {
	kernel KernelID
	group  pond.TaskGroup
	errMu  sync.Mutex
	err    error
}

func (d *inflightDispatch) fail(err error) {
	d.errMu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.errMu.Unlock()
}

// SoftwareDevice исполняет ядра на CPU: рабочие группы одной отправки выполняются
// параллельно в пуле воркеров, Dispatch не блокирует, Barrier дожидается завершения.
// Устройство следит за дисциплиной упорядочивания и отвергает обращения к ресурсам,
// запись в которые не отделена барьером.
type SoftwareDevice struct {
	mu          sync.Mutex
	opts        Options
	pool        pond.Pool
	kernels     map[KernelID]KernelFunc
	textures    map[TextureID]*texture
	handles     map[ResidencyHandle]*texture
	pending     map[TextureID]*pendingAccess
	inflight    []*inflightDispatch
	nextTexture TextureID
	nextHandle  ResidencyHandle
	usedBytes   int64
}

// NewSoftwareDevice создаёт программное устройство
func NewSoftwareDevice(opts Options) *SoftwareDevice {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.WorkgroupSize <= 0 {
		opts.WorkgroupSize = 4
	}

	return &SoftwareDevice{
		opts:        opts,
		pool:        pond.NewPool(opts.Workers),
		kernels:     make(map[KernelID]KernelFunc),
		textures:    make(map[TextureID]*texture),
		handles:     make(map[ResidencyHandle]*texture),
		pending:     make(map[TextureID]*pendingAccess),
		nextTexture: 1,
		nextHandle:  0x1000,
	}
}

// RegisterKernel регистрирует программу ядра
func (sd *SoftwareDevice) RegisterKernel(id KernelID, fn KernelFunc) {
	sd.mu.Lock()
	sd.kernels[id] = fn
	sd.mu.Unlock()
}

// WorkgroupSize размер рабочей группы
func (sd *SoftwareDevice) WorkgroupSize() int {
	return sd.opts.WorkgroupSize
}

// AllocateVolume выделяет 3D-текстуру с мипами
func (sd *SoftwareDevice) AllocateVolume(desc VolumeDesc) (TextureID, error) {
	if desc.Dims.X <= 0 || desc.Dims.Y <= 0 || desc.Dims.Z <= 0 || desc.Mips < 1 {
		return 0, fmt.Errorf("%w: invalid volume %+v", ErrOutOfBounds, desc)
	}

	sd.mu.Lock()
	defer sd.mu.Unlock()

	size := desc.Bytes()
	if sd.opts.MaxTextures > 0 && len(sd.textures) >= sd.opts.MaxTextures {
		return 0, fmt.Errorf("%w: texture limit %d reached", ErrResourceExhausted, sd.opts.MaxTextures)
	}
	if sd.opts.MaxBytes > 0 && sd.usedBytes+size > sd.opts.MaxBytes {
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrResourceExhausted, size, sd.usedBytes, sd.opts.MaxBytes)
	}

	tex := &texture{
		id:   sd.nextTexture,
		desc: desc,
		mips: make([][]uint8, desc.Mips),
	}
	for m := range tex.mips {
		tex.mips[m] = make([]uint8, desc.MipDims(m).Volume())
	}

	sd.nextTexture++
	sd.textures[tex.id] = tex
	sd.usedBytes += size
	return tex.id, nil
}

// ReleaseVolume освобождает текстуру
func (sd *SoftwareDevice) ReleaseVolume(id TextureID) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	tex, ok := sd.textures[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTexture, id)
	}
	if tex.handle != 0 {
		return fmt.Errorf("%w: %d", ErrStillResident, id)
	}
	if _, busy := sd.pending[id]; busy {
		return fmt.Errorf("%w: release of texture %d with work in flight", ErrHazard, id)
	}

	delete(sd.textures, id)
	sd.usedBytes -= tex.desc.Bytes()
	return nil
}

// Upload копирует данные хоста в регион мипа
func (sd *SoftwareDevice) Upload(id TextureID, mip int, region Box, data []byte) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	tex, err := sd.lookupMip(id, mip)
	if err != nil {
		return err
	}

	dims := tex.desc.MipDims(mip)
	if !region.Within(dims) {
		return fmt.Errorf("%w: region %s outside mip %d %v", ErrOutOfBounds, region, mip, dims)
	}
	if len(data) != region.Size.Volume() {
		return fmt.Errorf("%w: %d bytes for region %s", ErrOutOfBounds, len(data), region)
	}
	if p := sd.pending[id]; p != nil && (p.readAll || has(p.reads, mip) || has(p.writes, mip)) {
		return fmt.Errorf("%w: upload to texture %d mip %d", ErrHazard, id, mip)
	}

	dst := tex.mips[mip]
	src := 0
	for z := 0; z < region.Size.Z; z++ {
		for y := 0; y < region.Size.Y; y++ {
			row := region.Min.X + dims.X*((region.Min.Y+y)+dims.Y*(region.Min.Z+z))
			copy(dst[row:row+region.Size.X], data[src:src+region.Size.X])
			src += region.Size.X
		}
	}
	return nil
}

// Download возвращает копию мипа для зеркала на стороне хоста
func (sd *SoftwareDevice) Download(id TextureID, mip int) ([]byte, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	tex, err := sd.lookupMip(id, mip)
	if err != nil {
		return nil, err
	}
	if p := sd.pending[id]; p != nil && has(p.writes, mip) {
		return nil, fmt.Errorf("%w: download of texture %d mip %d", ErrHazard, id, mip)
	}

	out := make([]byte, len(tex.mips[mip]))
	copy(out, tex.mips[mip])
	return out, nil
}

// MakeResident активирует bindless-дескриптор текстуры
func (sd *SoftwareDevice) MakeResident(id TextureID) (ResidencyHandle, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	tex, ok := sd.textures[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTexture, id)
	}
	if tex.handle != 0 {
		return 0, fmt.Errorf("%w: %d", ErrAlreadyResident, id)
	}

	tex.handle = sd.nextHandle
	sd.nextHandle++
	sd.handles[tex.handle] = tex
	return tex.handle, nil
}

// MakeNonResident деактивирует дескриптор
func (sd *SoftwareDevice) MakeNonResident(h ResidencyHandle) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	tex, ok := sd.handles[h]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotResident, uint64(h))
	}
	if p := sd.pending[tex.id]; p != nil && p.readAll {
		return fmt.Errorf("%w: handle %#x is read by work in flight", ErrHazard, uint64(h))
	}

	delete(sd.handles, h)
	tex.handle = 0
	return nil
}

// Dispatch ставит ядро в очередь и сразу возвращает управление
func (sd *SoftwareDevice) Dispatch(kernel KernelID, groups GroupCount, b Bindings) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	fn, ok := sd.kernels[kernel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKernel, kernel)
	}
	if groups.X < 1 || groups.Y < 1 || groups.Z < 1 {
		return fmt.Errorf("%w: group count %+v", ErrOutOfBounds, groups)
	}

	images := make(map[int]*Image, len(b.Images))
	local := make(map[TextureID]*pendingAccess)
	touch := func(id TextureID) *pendingAccess {
		p := local[id]
		if p == nil {
			p = &pendingAccess{reads: map[int]struct{}{}, writes: map[int]struct{}{}}
			local[id] = p
		}
		return p
	}

	for _, ib := range b.Images {
		tex, err := sd.lookupMip(ib.Texture, ib.Mip)
		if err != nil {
			return fmt.Errorf("kernel %s slot %d: %w", kernel, ib.Slot, err)
		}
		if _, dup := images[ib.Slot]; dup {
			return fmt.Errorf("kernel %s: slot %d bound twice", kernel, ib.Slot)
		}

		p := touch(ib.Texture)
		if has(p.writes, ib.Mip) || (ib.Access == AccessWrite && has(p.reads, ib.Mip)) {
			return fmt.Errorf("%w: kernel %s binds texture %d mip %d for read and write", ErrHazard, kernel, ib.Texture, ib.Mip)
		}
		if ib.Access == AccessWrite {
			p.writes[ib.Mip] = struct{}{}
		} else {
			p.reads[ib.Mip] = struct{}{}
		}

		images[ib.Slot] = &Image{
			dims:     tex.desc.MipDims(ib.Mip),
			data:     tex.mips[ib.Mip],
			writable: ib.Access == AccessWrite,
		}
	}

	resident := make(map[ResidencyHandle]*ResidentVolume, len(b.Handles))
	for _, h := range b.Handles {
		tex, ok := sd.handles[h]
		if !ok {
			return fmt.Errorf("kernel %s: %w: %#x", kernel, ErrNotResident, uint64(h))
		}
		p := touch(tex.id)
		if len(p.writes) > 0 {
			return fmt.Errorf("%w: kernel %s reads texture %d through a handle while writing it", ErrHazard, kernel, tex.id)
		}
		p.readAll = true

		rv := &ResidentVolume{desc: tex.desc, mips: make([]*Image, len(tex.mips))}
		for m := range tex.mips {
			rv.mips[m] = &Image{dims: tex.desc.MipDims(m), data: tex.mips[m]}
		}
		resident[h] = rv
	}

	// Проверка против работы, ещё не отделённой барьером
	for id, acc := range local {
		p := sd.pending[id]
		if p == nil {
			continue
		}
		if conflicts(p, acc) {
			return fmt.Errorf("%w: kernel %s touches texture %d", ErrHazard, kernel, id)
		}
	}
	for id, acc := range local {
		p := sd.pending[id]
		if p == nil {
			sd.pending[id] = acc
			continue
		}
		for m := range acc.reads {
			p.reads[m] = struct{}{}
		}
		for m := range acc.writes {
			p.writes[m] = struct{}{}
		}
		p.readAll = p.readAll || acc.readAll
	}

	d := &inflightDispatch{kernel: kernel, group: sd.pool.NewGroup()}
	for gz := 0; gz < groups.Z; gz++ {
		d.group.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					d.fail(fmt.Errorf("kernel %s panicked: %v", kernel, r))
				}
			}()
			for gy := 0; gy < groups.Y; gy++ {
				for gx := 0; gx < groups.X; gx++ {
					fn(&Invocation{
						group:    vec.Vec3{X: gx, Y: gy, Z: gz},
						local:    sd.opts.WorkgroupSize,
						images:   images,
						resident: resident,
						params:   b.Params,
					})
				}
			}
		})
	}
	sd.inflight = append(sd.inflight, d)
	return nil
}

// Barrier дожидается завершения всей отправленной работы
func (sd *SoftwareDevice) Barrier(scope BarrierScope) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	var errs []error
	for _, d := range sd.inflight {
		if err := d.group.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("kernel %s: %w", d.kernel, err))
		}
		if d.err != nil {
			errs = append(errs, d.err)
		}
	}

	sd.inflight = sd.inflight[:0]
	sd.pending = make(map[TextureID]*pendingAccess)
	return errors.Join(errs...)
}

// Stats возвращает снимок состояния устройства
func (sd *SoftwareDevice) Stats() DeviceStats {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	return DeviceStats{
		Textures: len(sd.textures),
		Resident: len(sd.handles),
		Bytes:    sd.usedBytes,
		InFlight: len(sd.inflight),
	}
}

// Close дожидается работы и останавливает пул воркеров
func (sd *SoftwareDevice) Close() error {
	err := sd.Barrier(BarrierAll)
	sd.pool.StopAndWait()
	return err
}

func (sd *SoftwareDevice) lookupMip(id TextureID, mip int) (*texture, error) {
	tex, ok := sd.textures[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTexture, id)
	}
	if mip < 0 || mip >= tex.desc.Mips {
		return nil, fmt.Errorf("%w: mip %d of %d", ErrOutOfBounds, mip, tex.desc.Mips)
	}
	return tex, nil
}

func conflicts(pending, next *pendingAccess) bool {
	if next.readAll && len(pending.writes) > 0 {
		return true
	}
	if pending.readAll && len(next.writes) > 0 {
		return true
	}
	for m := range next.reads {
		if has(pending.writes, m) {
			return true
		}
	}
	for m := range next.writes {
		if has(pending.writes, m) || has(pending.reads, m) {
			return true
		}
	}
	return false
}

func has(set map[int]struct{}, key int) bool {
	_, ok := set[key]
	return ok
}
