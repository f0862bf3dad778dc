package main

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/registry"
	"github.com/fenwick-ops/conductor/internal/store"
)

// backupNamespaces lists every Registry namespace a snapshot walks. Order is
// fixed so archives are reproducible byte-for-byte given identical data.
var backupNamespaces = []registry.Namespace{
	registry.NSAgents,
	registry.NSTasks,
	registry.NSWorkflows,
	registry.NSPools,
	registry.NSArchived,
}

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: conductor backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	count := 0
	for _, ns := range backupNamespaces {
		records, err := db.AllNamespace(string(ns))
		if err != nil {
			return fmt.Errorf("read namespace %s: %w", ns, err)
		}
		for _, rec := range records {
			if err := writeRecordEntry(tw, rec); err != nil {
				return fmt.Errorf("write %s/%s: %w", ns, rec.ID, err)
			}
			count++
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d records, %s\n", count, formatSize(size))
	return nil
}

// writeRecordEntry serializes one record as "<namespace>/<id>.json" so
// restore can recover both fields directly from the tar path.
func writeRecordEntry(tw *tar.Writer, rec store.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	name := path.Join(rec.Namespace, rec.ID+".json")
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: conductor restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	records, err := readArchiveRecords(inputPath)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	if !overwrite {
		for _, rec := range records {
			existing, err := db.Get(rec.Namespace, rec.ID)
			if err != nil {
				return fmt.Errorf("check existing %s/%s: %w", rec.Namespace, rec.ID, err)
			}
			if existing != nil {
				return fmt.Errorf("record %s/%s already exists, add -overwrite to replace it", rec.Namespace, rec.ID)
			}
		}
	}

	for _, rec := range records {
		r := rec
		if err := db.Put(&r); err != nil {
			return fmt.Errorf("restore %s/%s: %w", rec.Namespace, rec.ID, err)
		}
	}

	fmt.Printf("Restore complete: %d records\n", len(records))
	return nil
}

// readArchiveRecords decodes every "<namespace>/<id>.json" entry in a
// backup archive into its store.Record.
func readArchiveRecords(archivePath string) ([]store.Record, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var records []store.Record
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".json") {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", hdr.Name, err)
		}
		var rec store.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", hdr.Name, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
