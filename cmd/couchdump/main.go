// Command couchdump prints the committed state of a database file as JSON
// lines: one info object followed by one object per change.
//
//	couchdump [flags] <file>
package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"unicode/utf8"

	"github.com/jpl-au/couchfile"

	json "github.com/goccy/go-json"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// dumpConfig is the optional HuJSON config file.
type dumpConfig struct {
	MaxRecordSize int    `json:"max_record_size,omitempty"`
	LogLevel      string `json:"log_level,omitempty"`
}

type options struct {
	since       uint64
	skipDeleted bool
	values      bool
	config      string
}

// change is the JSON form of one change-feed entry. Byte fields that are
// not valid UTF-8 are base64-encoded and flagged by their *_encoding field.
type change struct {
	Seq           uint64 `json:"seq"`
	ID            string `json:"id"`
	IDEncoding    string `json:"id_encoding,omitempty"`
	Rev           uint64 `json:"rev"`
	Deleted       bool   `json:"deleted,omitempty"`
	ContentType   uint8  `json:"content_type"`
	Meta          string `json:"meta,omitempty"`
	MetaEncoding  string `json:"meta_encoding,omitempty"`
	Value         string `json:"value,omitempty"`
	ValueEncoding string `json:"value_encoding,omitempty"`
}

var errUsage = errors.New("usage: couchdump [flags] <file>")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	opts, path, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}

	cfg, err := loadConfig(opts.config)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}

	level := slog.LevelWarn
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			fmt.Fprintln(errOut, "error: log_level:", err)
			return 2
		}
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	db, err := couchfile.Open(path, couchfile.ModeReadOnly, couchfile.Config{
		MaxRecordSize: cfg.MaxRecordSize,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer db.Close()

	if err := dump(db, out, opts); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	return 0
}

func parseFlags(args []string) (options, string, error) {
	var opts options
	fs := flag.NewFlagSet("couchdump", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Uint64Var(&opts.since, "since", 0, "Only print changes after this sequence number")
	fs.BoolVar(&opts.skipDeleted, "skip-deleted", false, "Omit tombstones")
	fs.BoolVar(&opts.values, "values", false, "Include meta and value")
	fs.StringVarP(&opts.config, "config", "c", "", "HuJSON config file")

	if err := fs.Parse(args); err != nil {
		return options{}, "", err
	}
	if fs.NArg() != 1 {
		return options{}, "", errUsage
	}
	return opts, fs.Arg(0), nil
}

// loadConfig reads a HuJSON config file. An empty path yields defaults.
func loadConfig(path string) (dumpConfig, error) {
	var cfg dumpConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.MaxRecordSize < 0 {
		return cfg, fmt.Errorf("config %s: max_record_size must not be negative", path)
	}
	return cfg, nil
}

func dump(db *couchfile.DB, out io.Writer, opts options) error {
	enc := json.NewEncoder(out)

	info, err := db.Info()
	if err != nil {
		return err
	}
	if err := enc.Encode(info); err != nil {
		return err
	}

	feed := db.Changes(opts.since, &couchfile.ChangesOptions{SkipDeleted: opts.skipDeleted})
	for c, err := range feed {
		if err != nil {
			return err
		}
		rec, err := describe(c, opts.values)
		if err != nil {
			return err
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func describe(c *couchfile.Change, values bool) (change, error) {
	d := c.Document()
	id, err := d.ID()
	if err != nil {
		return change{}, err
	}
	rev, _ := d.Revision()
	deleted, _ := d.Deleted()
	ct, _ := d.ContentType()

	rec := change{
		Seq:         c.Seq(),
		Rev:         rev,
		Deleted:     deleted,
		ContentType: uint8(ct),
	}
	rec.ID, rec.IDEncoding = text(id)
	if values {
		meta, _ := d.Meta()
		value, _ := d.Value()
		rec.Meta, rec.MetaEncoding = text(meta)
		rec.Value, rec.ValueEncoding = text(value)
	}
	return rec, nil
}

// text renders b as a string and names its encoding: empty for UTF-8 kept
// as is, "base64" otherwise.
func text(b []byte) (string, string) {
	if utf8.Valid(b) {
		return string(b), ""
	}
	return base64.StdEncoding.EncodeToString(b), "base64"
}
