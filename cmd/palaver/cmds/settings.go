package cmds

import (
	"os"
	"strings"

	"github.com/go-go-golems/palaver/pkg/steps/ai/settings"
	"github.com/go-go-golems/palaver/pkg/steps/ai/types"
	"github.com/go-go-golems/palaver/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// providers whose api key and base url can be given through flags or
// PALAVER_<PROVIDER>_API_KEY style environment variables.
var providers = []types.ApiType{
	types.ApiTypeOpenAI,
	types.ApiTypeAnyScale,
	types.ApiTypeFireworks,
}

// AddSettingsFlags registers the flags that override the settings file.
func AddSettingsFlags(fs *pflag.FlagSet) {
	fs.String("api-type", "", "Backend to use (openai, anyscale, fireworks, ollama, echo)")
	fs.String("engine", "", "Model name")
	fs.Float64("temperature", 0, "Sampling temperature")
	fs.Float64("top-p", 0, "Nucleus sampling probability")
	fs.Int("top-k", 0, "Top-k sampling")
	fs.Int("max-new-tokens", 0, "Maximum number of generated tokens")
	fs.String("openai-api-key", "", "OpenAI API key")
	fs.String("openai-base-url", "", "OpenAI base URL")
	fs.String("ollama-host", "", "Ollama server URL")
	fs.String("database", "", "Session database (default ~/.palaver/sessions.db)")
	fs.Bool("no-persist", false, "Do not write chat turns to the database")
}

// LoadStepSettings reads the settings section of the config file viper
// picked up, then applies flag and environment overrides.
func LoadStepSettings() (*settings.StepSettings, error) {
	ss := settings.NewStepSettings()

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		f, err := os.Open(configFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "could not open config file %s", configFile)
		}
		if err == nil {
			defer f.Close()
			ss, err = settings.NewStepSettingsFromYAML(f)
			if err != nil {
				return nil, errors.Wrapf(err, "could not load settings from %s", configFile)
			}
		}
	}

	if v := viper.GetString("api-type"); v != "" {
		apiType := types.ApiType(strings.ToLower(v))
		ss.Chat.ApiType = &apiType
	}
	if v := viper.GetString("engine"); v != "" {
		ss.Chat.Engine = &v
	}
	if viper.IsSet("temperature") {
		v := viper.GetFloat64("temperature")
		ss.Chat.Temperature = &v
	}
	if viper.IsSet("top-p") {
		v := viper.GetFloat64("top-p")
		ss.Chat.TopP = &v
	}
	if viper.IsSet("top-k") {
		v := viper.GetInt("top-k")
		ss.Chat.TopK = &v
	}
	if viper.IsSet("max-new-tokens") {
		v := viper.GetInt("max-new-tokens")
		ss.Chat.MaxNewTokens = &v
	}

	for _, p := range providers {
		if v := viper.GetString(string(p) + "-api-key"); v != "" {
			ss.API.APIKeys[string(p)+"-api-key"] = v
		}
		if v := viper.GetString(string(p) + "-base-url"); v != "" {
			ss.API.BaseUrls[string(p)+"-base-url"] = v
		}
	}

	if v := viper.GetString("ollama-host"); v != "" {
		ss.Ollama.Host = &v
	}
	if v := viper.GetString("database"); v != "" {
		ss.Storage.Database = v
	}
	if viper.GetBool("no-persist") {
		ss.Storage.Persist = false
	}

	log.Debug().
		Interface("metadata", ss.GetMetadata()).
		Str("database", ss.Storage.Database).
		Msg("Loaded step settings")

	return ss, nil
}

func openStore(ss *settings.StepSettings) (*store.SQLiteStore, error) {
	s, err := store.OpenFile(ss.Storage.Database)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open session database %s", ss.Storage.Database)
	}
	return s, nil
}
