package provider

import (
	"fmt"

	"github.com/mixelka/unibox/pkg/models"
)

// Registry maps each platform to its driver. The platform set is closed.
type Registry struct {
	telegram Driver
	email    Driver
	twitter  Driver
}

// NewRegistry builds a registry with one driver per platform
func NewRegistry(telegram, email, twitter Driver) (*Registry, error) {
	r := &Registry{telegram: telegram, email: email, twitter: twitter}
	for _, p := range models.AllPlatforms {
		d, err := r.Get(p)
		if err != nil {
			return nil, err
		}
		if d.Platform() != p {
			return nil, fmt.Errorf("driver for %s reports platform %s", p, d.Platform())
		}
	}
	return r, nil
}

// Get returns the driver for platform
func (r *Registry) Get(platform models.Platform) (Driver, error) {
	var d Driver
	switch platform {
	case models.PlatformTelegram:
		d = r.telegram
	case models.PlatformEmail:
		d = r.email
	case models.PlatformTwitter:
		d = r.twitter
	default:
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
	if d == nil {
		return nil, fmt.Errorf("no driver registered for %s", platform)
	}
	return d, nil
}

// All returns every registered driver in AllPlatforms order
func (r *Registry) All() []Driver {
	return []Driver{r.telegram, r.email, r.twitter}
}
