package voxel

import (
	"sync"

	"github.com/annel0/voxel-terrain/internal/compute"
)

// Residency владеет активным bindless-дескриптором текстуры.
// Release деактивирует дескриптор ровно один раз.
type Residency struct {
	mu     sync.Mutex
	dev    compute.Device
	handle compute.ResidencyHandle
}

// AcquireResidency активирует дескриптор текстуры
func AcquireResidency(dev compute.Device, tex compute.TextureID) (*Residency, error) {
	h, err := dev.MakeResident(tex)
	if err != nil {
		return nil, err
	}
	return &Residency{dev: dev, handle: h}, nil
}

// Handle дескриптор или 0, если он уже снят
func (r *Residency) Handle() compute.ResidencyHandle {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Active сообщает, активен ли дескриптор
func (r *Residency) Active() bool {
	return r.Handle() != 0
}

// Release снимает резидентность; повторные вызовы ничего не делают
func (r *Residency) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle == 0 {
		return nil
	}
	if err := r.dev.MakeNonResident(r.handle); err != nil {
		return err
	}
	r.handle = 0
	return nil
}
