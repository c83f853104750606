package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Init binds environment variables, the optional dotenv file and the root
// command's persistent flags into v. A flag named grace-period is bound to
// the key grace_period.
func Init(root *cobra.Command, v *viper.Viper) {
	_ = godotenv.Load(".qodo-acp/config.env")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if root != nil {
		root.PersistentFlags().VisitAll(func(f *pflag.Flag) {
			_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
	}
}

// Overlay copies every key explicitly set in v (flag, env or dotenv) onto c.
func (c *Config) Overlay(v *viper.Viper) error {
	if v.IsSet(KeyQodoPath) {
		c.QodoPath = v.GetString(KeyQodoPath)
	}
	if v.IsSet(KeyQodoArgs) {
		c.QodoArgs = v.GetStringSlice(KeyQodoArgs)
	}
	if v.IsSet(KeyWorkDir) {
		c.WorkDir = v.GetString(KeyWorkDir)
	}
	if v.IsSet(KeyGracePeriod) {
		c.GracePeriod = v.GetDuration(KeyGracePeriod)
	}
	if v.IsSet(KeyKnownTools) {
		c.KnownTools = v.GetStringSlice(KeyKnownTools)
	}
	if v.IsSet(KeyTrackToolStatus) {
		c.TrackToolStatus = v.GetBool(KeyTrackToolStatus)
	}
	if v.IsSet(KeyLogLevel) {
		c.LogLevel = v.GetString(KeyLogLevel)
	}
	if v.IsSet(KeyDebug) {
		c.Debug = v.GetBool(KeyDebug)
	}
	if v.IsSet(KeyWSAddr) {
		c.WSAddr = v.GetString(KeyWSAddr)
	}
	if strings.EqualFold(c.LogLevel, "debug") {
		c.Debug = true
	}
	return c.Validate()
}
