// Package config содержит логику чтения конфигурации библиотечного сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации библиотечного сервиса.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	NotifyAddress string `env:"NOTIFY_ADDRESS"`

	// Параметры начисления штрафов за просрочку.
	FineDailyRate    float64       `env:"FINE_DAILY_RATE" envDefault:"10"`
	FineMax          float64       `env:"FINE_MAX" envDefault:"300"`
	FineScanInterval time.Duration `env:"FINE_SCAN_INTERVAL" envDefault:"60m"`
	FineScanEnabled  bool          `env:"FINE_SCAN_ENABLED" envDefault:"true"`

	// Параметры очереди броней.
	ReservationScanInterval time.Duration `env:"RESERVATION_SCAN_INTERVAL" envDefault:"15m"`
	ReservationHold         time.Duration `env:"RESERVATION_HOLD" envDefault:"48h"`

	// Параметры напоминаний о приближающемся сроке возврата.
	ReminderHour     int    `env:"REMINDER_HOUR" envDefault:"9"`
	ReminderTimezone string `env:"REMINDER_TIMEZONE" envDefault:"Europe/Copenhagen"`
	ReminderMinDays  int    `env:"REMINDER_MIN_DAYS" envDefault:"1"`
	ReminderMaxDays  int    `env:"REMINDER_MAX_DAYS" envDefault:"2"`
	ReminderEnabled  bool   `env:"REMINDER_ENABLED" envDefault:"true"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifyAddress := cfg.NotifyAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "notification sink address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifyAddress != "" {
		cfg.NotifyAddress = envNotifyAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.FineDailyRate < 0 {
		return fmt.Errorf("fine daily rate must not be negative, got %v", c.FineDailyRate)
	}
	if c.FineMax < 0 {
		return fmt.Errorf("max fine must not be negative, got %v", c.FineMax)
	}
	if c.ReminderHour < 0 || c.ReminderHour > 23 {
		return fmt.Errorf("reminder hour must be in [0,23], got %d", c.ReminderHour)
	}
	if c.ReminderMinDays > c.ReminderMaxDays {
		return fmt.Errorf("reminder window is inverted: min %d > max %d", c.ReminderMinDays, c.ReminderMaxDays)
	}
	if c.ReservationHold <= 0 {
		return fmt.Errorf("reservation hold must be positive, got %v", c.ReservationHold)
	}
	if c.FineScanInterval <= 0 {
		return fmt.Errorf("fine scan interval must be positive, got %v", c.FineScanInterval)
	}
	if c.ReservationScanInterval <= 0 {
		return fmt.Errorf("reservation scan interval must be positive, got %v", c.ReservationScanInterval)
	}
	return nil
}
