package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tlsutil "github.com/psantana5/stormwater/pkg/tls"
)

const defaultMasterURL = "http://localhost:8080"

var (
	masterURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	caCert       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "swctl",
	Short: "CLI for the stormwater simulation service",
	Long: `swctl submits runoff simulations to a stormwater master, follows their
jobs and fetches their results.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.swctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&masterURL, "master", "", "master API URL (default from config or "+defaultMasterURL+")")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key sent as a bearer token")
	rootCmd.PersistentFlags().StringVar(&caCert, "ca-cert", "", "CA certificate to trust for an HTTPS master")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".swctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SWCTL")
	viper.AutomaticEnv()
	viper.BindEnv("master_url", "SWCTL_MASTER_URL")
	viper.BindEnv("api_key", "SWCTL_API_KEY")
	viper.BindEnv("ca_cert", "SWCTL_CA_CERT")

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}

	// Flags win over config and environment
	if masterURL == "" {
		masterURL = viper.GetString("master_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if caCert == "" {
		caCert = viper.GetString("ca_cert")
	}
	if masterURL == "" {
		masterURL = defaultMasterURL
	}
}

// GetMasterURL returns the configured master URL with trailing slashes removed
func GetMasterURL() string {
	return strings.TrimRight(masterURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetHTTPClient returns a client trusting the configured CA, if any
func GetHTTPClient() (*http.Client, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	if caCert == "" {
		return client, nil
	}
	tlsConfig, err := tlsutil.ClientConfig(caCert, "", "")
	if err != nil {
		return nil, err
	}
	client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return client, nil
}

// APIError is a non-2xx answer from the master
type APIError struct {
	StatusCode int
	Message    string
	Details    json.RawMessage
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	if len(e.Details) > 0 && string(e.Details) != "null" {
		msg += " " + string(e.Details)
	}
	return msg
}

// callAPI sends a request and decodes a JSON answer into out. Non-2xx
// answers become *APIError.
func callAPI(method, path string, body io.Reader, out interface{}) (int, error) {
	req, err := http.NewRequest(method, GetMasterURL()+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client, err := GetHTTPClient()
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to master API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e struct {
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		}
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			apiErr.Message, apiErr.Details = e.Message, e.Details
		}
		return resp.StatusCode, apiErr
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
