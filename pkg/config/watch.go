package config

import (
	"log/slog"

	"github.com/lightforgemedia/go-wslink/pkg/filewatcher"
)

// Watch reloads path whenever it changes and passes the new config to onChange.
// A file that fails to load is logged and skipped. Call the returned function
// to stop watching.
func Watch(path string, logger *slog.Logger, onChange func(*Config)) (func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := filewatcher.New([]string{path}, filewatcher.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	w.OnChange(func(string) {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("Ignoring invalid config reload", "path", path, "error", err)
			return
		}
		onChange(cfg)
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return nil, err
	}
	return w.Stop, nil
}

// WatchToken keeps a client's token in step with the token field of path.
func WatchToken(path string, logger *slog.Logger, setToken func(string)) (func() error, error) {
	return Watch(path, logger, func(cfg *Config) {
		setToken(cfg.Token)
	})
}
