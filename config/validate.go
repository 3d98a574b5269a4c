package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gonzalop/ftpd/server"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// "perm" accepts any combination of the permission letters.
	_ = v.RegisterValidation("perm", func(fl validator.FieldLevel) bool {
		for _, c := range fl.Field().String() {
			if !strings.ContainsRune(server.ReadPerms+server.WritePerms, c) {
				return false
			}
		}
		return true
	})
	return v
}

// Validate checks cfg against its struct tags and the cross-field rules the
// tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if _, err := expandCommands(cfg.DisabledCommands); err != nil {
		return err
	}
	if (cfg.Passive.PortMin == 0) != (cfg.Passive.PortMax == 0) {
		return errors.New("passive: port_min and port_max must be set together")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if cfg.Anonymous.Enabled && cfg.Anonymous.Home == "" {
		return errors.New("anonymous: home is required when enabled")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return errors.New("metrics: listen is required when enabled")
	}

	seen := make(map[string]bool, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Name == server.AnonymousUser || u.Name == "ftp" {
			return fmt.Errorf("users: %q is reserved, use the anonymous section", u.Name)
		}
		if seen[u.Name] {
			return fmt.Errorf("users: duplicate user %q", u.Name)
		}
		seen[u.Name] = true
	}
	if len(cfg.Users) == 0 && !cfg.Anonymous.Enabled {
		return errors.New("no users configured and anonymous access disabled")
	}
	return nil
}
