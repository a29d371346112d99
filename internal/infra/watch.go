package infra

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchConfig загружает конфиг и следит за файлом: при каждом изменении
// заново декодирует его и отдает в onChange. Битый конфиг логируется и пропускается,
// движок продолжает работать на предыдущем.
func WatchConfig(path string, logger *zap.Logger, onChange func(*Config)) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	log := logger.Named("config")
	if v.ConfigFileUsed() == "" {
		log.Info("no config file, hot reload disabled")
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			log.Error("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("file", e.Name))
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
