// Package config loads and validates pumpcore configuration.
//
// Values are resolved in three layers:
//   - Hardcoded defaults (defaultConfig)
//   - The YAML file passed to Load
//   - PUMPCORE_* environment variables, decoded by caarlos0/env
//
// Validate runs last and reports every problem it finds in one error.
//
// Security Considerations:
//   - The relay token grants full control of the device; set it through
//     PUMPCORE_RELAY_TOKEN and keep it out of the config file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Device.ID)
package config
