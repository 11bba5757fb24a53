// Package config handles loading and validating AgriLogic Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with AGRILOGIC_* environment variables
//   - Validation of required fields, collecting every problem
//   - Default value handling
//
// Security Considerations:
//   - Credentials (MQTT, Redis, InfluxDB, Slack) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Site.Name)
package config
