package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shuttlehq/shuttle/agent"
	"github.com/shuttlehq/shuttle/rt"
	"github.com/shuttlehq/shuttle/server"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configGenArg string

// Config the shuttle configuration
type Config struct {
	Agent  agent.Options  `yaml:"agent"`
	Server server.Options `yaml:"server"`
	// CookieFile persists cookies between runs when set.
	CookieFile string `yaml:"cookie-file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Agent: agent.Options{
			MaxRedirects:   agent.DefaultMaxRedirects,
			Timeout:        agent.DefaultTimeout,
			ConnectTimeout: agent.DefaultConnectTimeout,
		},
		Server: server.Options{
			Addr:            "127.0.0.1:8080",
			ShutdownTimeout: server.DefaultShutdownTimeout,
		},
	}
}

// ReadConfig reads the YAML configuration through the runtime filesystem.
func ReadConfig(path string) (Config, error) {
	file, err := expandPath(path)
	if err != nil {
		return Config{}, err
	}
	data, err := afero.ReadFile(rt.Current().Files(), file)
	if err != nil {
		return Config{}, err
	}
	config := DefaultConfig()
	if err = yaml.Unmarshal(data, &config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func writeDiskConfig() error {
	file, err := expandPath(configGenArg)
	if err != nil {
		return err
	}
	files := rt.Current().Files()
	if _, err = files.Stat(file); !errors.Is(err, fs.ErrNotExist) {
		return errors.New("configuration file already exists")
	}
	if err = files.MkdirAll(filepath.Dir(file), os.ModePerm); err != nil {
		return err
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return afero.WriteFile(files, file, data, 0o600)
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = home + path[1:]
	}
	return filepath.Abs(path)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "shuttle configuration",
	RunE: func(_ *cobra.Command, _ []string) error {
		if configGenArg != "" {
			return writeDiskConfig()
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configCmd.Flags().StringVarP(&configGenArg, "gen", "g", "", "generate default configuration file")
	rootCmd.AddCommand(configCmd)
}
