// Package config loads apilink.yaml.
//
// Load starts from Default, decodes the file over it, applies APILINK_*
// environment overrides and finally runs Validate, which reports every
// problem at once. Secrets such as the JWT signing key, OAuth2 client
// secret, broker password and InfluxDB token are best supplied through
// the environment so the file can stay readable.
//
//	cfg, err := config.Load("apilink.yaml")
//	if err != nil {
//	    return err
//	}
//	for _, src := range cfg.Collections {
//	    fmt.Println(src.Source)
//	}
package config
