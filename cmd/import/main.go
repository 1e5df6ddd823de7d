// Command import loads phone numbers from a JSON file into the queue.
// The file is either an array of strings or an array of objects with a
// "telephone" field; duplicates already queued are skipped by the store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"

	"dncl-checker/internal/config"
	"dncl-checker/internal/store"
)

type entry struct {
	Telephone string `json:"telephone"`
}

func main() {
	file := flag.String("file", "numbers.json", "JSON file of phone numbers to queue")
	flag.Parse()

	phones, err := readPhones(*file)
	if err != nil {
		log.Fatalf("read %s: %v", *file, err)
	}
	if len(phones) == 0 {
		log.Fatalf("no phone numbers in %s", *file)
	}

	cfg := config.Load()
	ctx := context.Background()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	inserted, err := st.InsertTasks(ctx, phones)
	if err != nil {
		log.Fatalf("insert tasks: %v", err)
	}
	log.Printf("queued %d of %d numbers from %s", inserted, len(phones), *file)
}

func readPhones(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var phones []string
	if err := json.Unmarshal(raw, &phones); err == nil {
		return clean(phones), nil
	}

	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	phones = phones[:0]
	for _, e := range entries {
		phones = append(phones, e.Telephone)
	}
	return clean(phones), nil
}

func clean(phones []string) []string {
	out := phones[:0]
	for _, p := range phones {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
