package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	apiKey     string
	timeout    string
	modelName  string
	version    string
	title      string
	authors    string
	dockerfile string
	unaligned  bool
	allFlag    bool
	inputFile  string
)

func main() {
	root := &cobra.Command{
		Use:   "modelreg",
		Short: "CLI client for the model registry",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("MODELREG_API_KEY"), "API key")

	// Register a model image
	registerCmd := &cobra.Command{
		Use:   "register [image]",
		Short: "Register a model container image",
		Args:  cobra.ExactArgs(1),
		RunE:  runRegister,
	}
	registerCmd.Flags().StringVar(&modelName, "name", "", "Model name (default: derived from image)")
	registerCmd.Flags().StringVar(&version, "version", "", "Model version (default: image tag)")
	registerCmd.Flags().StringVar(&title, "title", "", "Human-readable title")
	registerCmd.Flags().StringVar(&authors, "authors", "", "Model authors")
	registerCmd.Flags().StringVar(&dockerfile, "dockerfile", "", "Path to the Dockerfile for an early contract check")
	registerCmd.Flags().BoolVar(&unaligned, "unaligned", false, "Model output length may differ from input length")
	root.AddCommand(registerCmd)

	// Predict
	predictCmd := &cobra.Command{
		Use:   "predict [model]",
		Short: "Run a prediction; input JSON array from --input or stdin",
		Args:  cobra.ExactArgs(1),
		RunE:  runPredict,
	}
	predictCmd.Flags().StringVar(&timeout, "timeout", "", "Run timeout (e.g. 60s)")
	predictCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Input JSON file (default: stdin)")
	root.AddCommand(predictCmd)

	// List models
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		RunE:  runListModels,
	}
	listCmd.Flags().BoolVar(&allFlag, "all", false, "Include all versions, not only the latest")
	root.AddCommand(listCmd)

	// Get one model
	root.AddCommand(&cobra.Command{
		Use:   "get [name[:version]]",
		Short: "Show a model record",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	})

	// Delete one version
	root.AddCommand(&cobra.Command{
		Use:   "delete [name:version]",
		Short: "Delete one model version (the image is untouched)",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	})

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRegister(_ *cobra.Command, args []string) error {
	payload := map[string]any{
		"image": args[0],
	}
	if modelName != "" {
		payload["name"] = modelName
	}
	if version != "" {
		payload["version"] = version
	}
	if title != "" {
		payload["title"] = title
	}
	if authors != "" {
		payload["authors"] = authors
	}
	if unaligned {
		payload["aligned_output"] = false
	}
	if dockerfile != "" {
		data, err := os.ReadFile(dockerfile) // #nosec G304 -- path from CLI flag
		if err != nil {
			return fmt.Errorf("reading Dockerfile: %w", err)
		}
		payload["dockerfile"] = string(data)
	}

	return doJSON("POST", "/models", payload, 15*time.Minute)
}

func runPredict(_ *cobra.Command, args []string) error {
	var data []byte
	var err error
	if inputFile != "" {
		data, err = os.ReadFile(inputFile) // #nosec G304 -- path from CLI flag
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	var input []json.RawMessage
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("input must be a JSON array: %w", err)
	}

	payload := map[string]any{
		"model": args[0],
		"input": input,
	}
	if timeout != "" {
		payload["timeout"] = timeout
	}

	return doJSON("POST", "/predict", payload, 10*time.Minute)
}

func runListModels(_ *cobra.Command, _ []string) error {
	path := "/models"
	if allFlag {
		path += "?all=true"
	}
	return doJSON("GET", path, nil, 10*time.Second)
}

func runGet(_ *cobra.Command, args []string) error {
	name, ver := splitRef(args[0])
	path := "/models/" + name
	if ver != "" {
		path += "/" + ver
	}
	return doJSON("GET", path, nil, 10*time.Second)
}

func runDelete(_ *cobra.Command, args []string) error {
	name, ver := splitRef(args[0])
	if ver == "" {
		return fmt.Errorf("delete requires an explicit name:version")
	}
	return doJSON("DELETE", "/models/"+name+"/"+ver, nil, 10*time.Second)
}

func runHealth(_ *cobra.Command, _ []string) error {
	return doJSON("GET", "/health", nil, 10*time.Second)
}

func doJSON(method, path string, payload any, clientTimeout time.Duration) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		fmt.Println("ok")
		return nil
	}

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	// Pretty print
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}

// splitRef splits "name:version" on the last colon; a bare name returns an
// empty version.
func splitRef(ref string) (string, string) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ""
}
