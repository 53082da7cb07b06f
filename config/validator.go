package config

import "fmt"

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	return fmt.Sprintf("config field %s: %s", ve.Field, ve.Message)
}

// Validate checks the settings and returns all problems found.
func (s *Settings) Validate() []ValidationError {
	var errs []ValidationError

	if s.Host == "" {
		errs = append(errs, ValidationError{"host", "must not be empty"})
	}
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, ValidationError{"port", fmt.Sprintf("must be 1-65535, got %d", s.Port)})
	}
	if s.APIRoot == "" || s.APIRoot[0] != '/' {
		errs = append(errs, ValidationError{"api_root", "must start with /"})
	}
	if s.BeaconTimeout <= 0 {
		errs = append(errs, ValidationError{"beacon_timeout", "must be positive"})
	}
	if s.BeaconProbeInterval <= 0 {
		errs = append(errs, ValidationError{"beacon_probe_interval", "must be positive"})
	}
	if s.BeaconGrace < 0 {
		errs = append(errs, ValidationError{"beacon_grace", "must not be negative"})
	}
	if s.ReconnectInterval <= 0 {
		errs = append(errs, ValidationError{"reconnect_interval", "must be positive"})
	}
	if s.MaxConnectFailures < 1 {
		errs = append(errs, ValidationError{"max_connect_failures", "must be at least 1"})
	}
	if s.ReceiveTimeoutSearching <= 0 {
		errs = append(errs, ValidationError{"receive_timeout_searching", "must be positive"})
	}
	if s.ReceiveTimeoutSteady < s.ReceiveTimeoutSearching {
		errs = append(errs, ValidationError{"receive_timeout_steady", "must be at least receive_timeout_searching"})
	}
	if s.RESTTimeout <= 0 {
		errs = append(errs, ValidationError{"rest_timeout", "must be positive"})
	}
	if s.MetaMinReload < 0 {
		errs = append(errs, ValidationError{"meta_min_reload", "must not be negative"})
	}

	return errs
}
