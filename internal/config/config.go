// Package config is the Environment/CLI Configuration collaborator of
// spec.md §6: environment-variable resolution (with optional --env-file
// loading) and the entities/option-set JSON configuration files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"dvsync/internal/core"
)

// Settings is the resolved runtime configuration of spec.md §6.
type Settings struct {
	APIURL                   string
	ClientID                 string
	ClientSecret             string
	Scope                    string
	SQLiteDBPath             string
	PostgresConnectionString string
}

// DBType returns "sqlite" or "postgresql" depending on which store DSN is
// set, erroring when zero or both are (spec.md §6: "exactly one of").
func (s Settings) DBType() (string, error) {
	switch {
	case s.SQLiteDBPath != "" && s.PostgresConnectionString != "":
		return "", fmt.Errorf("config: exactly one of SQLITE_DB_PATH or POSTGRES_CONNECTION_STRING must be set, both were")
	case s.SQLiteDBPath != "":
		return "sqlite", nil
	case s.PostgresConnectionString != "":
		return "postgresql", nil
	default:
		return "", fmt.Errorf("config: exactly one of SQLITE_DB_PATH or POSTGRES_CONNECTION_STRING must be set, neither was")
	}
}

// DSN returns the connection string for whichever store is configured.
func (s Settings) DSN() string {
	if s.SQLiteDBPath != "" {
		return s.SQLiteDBPath
	}
	return s.PostgresConnectionString
}

// LoadSettings resolves Settings from the environment, per the precedence
// of spec.md §6: an explicit --env-file wins, otherwise a ".env" in the
// working directory is used if present, otherwise plain process
// environment variables apply.
func LoadSettings(envFile string) (Settings, error) {
	switch {
	case envFile != "":
		if err := godotenv.Overload(envFile); err != nil {
			return Settings{}, fmt.Errorf("config: load env file %s: %w", envFile, err)
		}
	default:
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(".env"); err != nil {
				return Settings{}, fmt.Errorf("config: load .env: %w", err)
			}
		}
	}

	s := Settings{
		APIURL:                   strings.TrimRight(os.Getenv("DATAVERSE_API_URL"), "/"),
		ClientID:                 os.Getenv("DATAVERSE_CLIENT_ID"),
		ClientSecret:             os.Getenv("DATAVERSE_CLIENT_SECRET"),
		Scope:                    os.Getenv("DATAVERSE_SCOPE"),
		SQLiteDBPath:             os.Getenv("SQLITE_DB_PATH"),
		PostgresConnectionString: os.Getenv("POSTGRES_CONNECTION_STRING"),
	}

	var missing []string
	if s.APIURL == "" {
		missing = append(missing, "DATAVERSE_API_URL")
	}
	if s.ClientID == "" {
		missing = append(missing, "DATAVERSE_CLIENT_ID")
	}
	if s.ClientSecret == "" {
		missing = append(missing, "DATAVERSE_CLIENT_SECRET")
	}
	if s.Scope == "" {
		missing = append(missing, "DATAVERSE_SCOPE")
	}
	if len(missing) > 0 {
		return Settings{}, fmt.Errorf("config: missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	return s, nil
}

type entityConfigFile struct {
	Entities []entityConfigEntry `json:"entities"`
}

type entityConfigEntry struct {
	Name        string `json:"name"`
	APIName     string `json:"api_name"`
	Filtered    bool   `json:"filtered"`
	Description string `json:"description"`
}

// LoadEntityConfigs reads the entities configuration file of spec.md §6
// ({"entities": [{"name", "api_name", "filtered", "description"}, ...]}),
// auto-pluralizing api_name when omitted.
func LoadEntityConfigs(path string) ([]core.EntityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read entities config %s: %w", path, err)
	}

	var file entityConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse entities config %s: %w", path, err)
	}

	configs := make([]core.EntityConfig, 0, len(file.Entities))
	for _, e := range file.Entities {
		if e.Name == "" {
			return nil, fmt.Errorf("config: entities config %s: entry missing required 'name'", path)
		}
		configs = append(configs, core.EntityConfig{
			Name:        e.Name,
			APIName:     e.APIName,
			Filtered:    e.Filtered,
			Description: e.Description,
		})
	}
	return configs, nil
}

// LoadOptionSetOverrides reads the option-set configuration file of
// spec.md §6: a flat {"entity_name": ["field1", "field2"]} mapping used
// to override automatic option-set field detection during metadata
// parsing.
func LoadOptionSetOverrides(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read optionsets config %s: %w", path, err)
	}

	var overrides map[string][]string
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("config: parse optionsets config %s: %w", path, err)
	}
	return overrides, nil
}

// ResolveDBTypeFlag validates the --db-type / --db flag value of the
// validate-schema and generate-optionset-config CLI verbs (supplemented
// feature #3: reject unknown values before attempting a connection).
func ResolveDBTypeFlag(dbType string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "sqlite":
		return "sqlite", nil
	case "postgresql", "postgres":
		return "postgresql", nil
	default:
		return "", fmt.Errorf("config: unsupported --db-type %q, want sqlite or postgresql", dbType)
	}
}
