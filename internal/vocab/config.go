package vocab

import (
	"tilesync/internal/config"
	"tilesync/internal/domain"
)

// FromConfig builds a registry from the configured views.
func FromConfig(views []config.ViewConfig) (*Registry, error) {
	r := NewRegistry()
	for _, v := range views {
		zone := make([]domain.Status, 0, len(v.Zone))
		for _, name := range v.Zone {
			s, err := domain.ParseStatus(name)
			if err != nil {
				return nil, &ConfigurationError{View: v.Name, Reason: err.Error()}
			}
			zone = append(zone, s)
		}
		labels := make(map[domain.Status]string, len(v.Labels))
		for name, label := range v.Labels {
			s, err := domain.ParseStatus(name)
			if err != nil {
				return nil, &ConfigurationError{View: v.Name, Reason: err.Error()}
			}
			labels[s] = label
		}
		if err := r.RegisterView(v.Name, zone, labels); err != nil {
			return nil, err
		}
	}
	if len(r.order) == 0 {
		return nil, &ConfigurationError{Reason: "no views configured"}
	}
	return r, nil
}
