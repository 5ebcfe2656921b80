// Package config loads intentsync configuration from YAML.
//
// Values of the form ${VAR} are expanded from the environment before parsing,
// so secrets such as api.api_key and journal.database.password can stay out of
// the file. LoadAndValidate is what binaries should call.
package config
