package memory

import (
	"testing"

	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/internal/drivertest"
	"github.com/pitabwire/durable/model"
)

func TestDriverConformance(t *testing.T) {
	drivertest.RunSuite(t, func(_ *testing.T, opts ...driver.Option) model.Driver {
		return New(opts...)
	})
}

func TestDriver_Len(t *testing.T) {
	d := New()
	defer d.Close()
	if d.Len() != 0 {
		t.Errorf("Len() = %d, want 0", d.Len())
	}
}
