// Command skybridge-ingest populates the spec drop directory the
// gateway watches. It reads the upstream API specification from a URL
// or a local file, resolves references, flattens it, and writes
// spec.json plus products.json atomically so a running gateway picks
// them up without restarting.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/skybridge-mcp/skybridge/internal/specindex"
)

type config struct {
	SpecURL  string
	SpecFile string
	OutDir   string
}

func loadConfig() *config {
	cfg := &config{}

	flag.StringVar(&cfg.SpecURL, "spec-url", os.Getenv("SPEC_URL"), "URL of the API specification document")
	flag.StringVar(&cfg.SpecFile, "spec-file", os.Getenv("SPEC_FILE"), "path to a local specification document (overrides -spec-url)")
	flag.StringVar(&cfg.OutDir, "out", envOr("SPEC_DROP_DIR", "."), "directory to write spec.json and products.json into")
	flag.Parse()

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	if cfg.SpecURL == "" && cfg.SpecFile == "" {
		return fmt.Errorf("one of -spec-url or -spec-file is required")
	}

	raw, err := fetchSpec(cfg)
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing specification: %w", err)
	}

	flattened, products := specindex.Flatten(doc)

	specData, err := json.Marshal(flattened)
	if err != nil {
		return fmt.Errorf("encoding flattened spec: %w", err)
	}

	productData, err := json.Marshal(products)
	if err != nil {
		return fmt.Errorf("encoding product list: %w", err)
	}

	if err := os.MkdirAll(cfg.OutDir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.OutDir, err)
	}

	if err := writeAtomic(filepath.Join(cfg.OutDir, specindex.SpecKey), specData); err != nil {
		return err
	}

	if err := writeAtomic(filepath.Join(cfg.OutDir, specindex.ProductsKey), productData); err != nil {
		return err
	}

	fmt.Printf("wrote %s (%d bytes) and %s (%d products) to %s\n",
		specindex.SpecKey, len(specData), specindex.ProductsKey, len(products), cfg.OutDir)

	return nil
}

func fetchSpec(cfg *config) ([]byte, error) {
	if cfg.SpecFile != "" {
		data, err := os.ReadFile(cfg.SpecFile)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", cfg.SpecFile, err)
		}

		return data, nil
	}

	client := &http.Client{Timeout: 120 * time.Second}

	resp, err := client.Get(cfg.SpecURL)
	if err != nil {
		return nil, fmt.Errorf("fetching specification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching specification: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading specification response: %w", err)
	}

	return data, nil
}

// writeAtomic writes via a temp file and rename so the gateway's
// watcher never sees a half-written document.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ingest-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("replacing %s: %w", path, err)
	}

	return nil
}
