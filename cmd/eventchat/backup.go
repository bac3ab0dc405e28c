package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"eventchat/internal/config"
	"eventchat/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const backupDBName = "eventchat.db"

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of eventchat data (database + config)",
		Long: `Creates a compressed .tar.gz archive containing a consistent snapshot of
the SQLite database and the configuration file. Safe to run while serving.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			if outputPath == "" {
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(config.DefaultConfigDir(), "backups", fmt.Sprintf("eventchat-backup-%s.tar.gz", ts))
			}
			if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
				return fmt.Errorf("cannot create backup directory: %w", err)
			}

			st, err := store.Open(cfg.Store.DBPath, nil, logger)
			if err != nil {
				return fmt.Errorf("message store: %w", err)
			}
			defer st.Close()

			tmp, err := os.MkdirTemp("", "eventchat-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)
			snap := filepath.Join(tmp, backupDBName)
			if err := st.Snapshot(cmd.Context(), snap); err != nil {
				return err
			}

			files := []string{snap}
			if _, err := os.Stat(cfgPath); err == nil {
				files = append(files, cfgPath)
			}
			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Backup created: %s\n", outputPath)
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f); err == nil {
					size = uint64(info.Size())
				}
				fmt.Fprintf(w, "  - %s (%s)\n", filepath.Base(f), humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.eventchat/backups/eventchat-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore eventchat data from a backup archive",
		Long: `Restores the SQLite database and configuration file from a .tar.gz
backup archive created by 'eventchat backup'. Stop 'eventchat serve' first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			dbPath := cfg.Store.DBPath

			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists, restore aborted (use --force to overwrite)", p)
					}
				}
			}
			// A stale WAL would be replayed over the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}

			restored, err := extractTarGz(args[0], dbPath, cfgPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Restore completed from: %s\n", args[0])
			for _, f := range restored {
				fmt.Fprintf(w, "  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data")
	return cmd
}

// createTarGz creates a .tar.gz archive holding files by base name.
func createTarGz(outputPath string, files []string) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		if err := addFileToTar(tw, f); err != nil {
			return fmt.Errorf("add %s: %w", f, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFileToTar(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractTarGz restores the database and config entries of an archive.
// Other entries are skipped.
func extractTarGz(archivePath, dbPath, cfgPath string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		var target string
		name := filepath.Base(header.Name)
		switch {
		case name == backupDBName:
			target = dbPath
		case strings.HasPrefix(name, "config.") || name == filepath.Base(cfgPath):
			target = cfgPath
		default:
			logger.Warn("skipping unknown backup entry", "name", header.Name)
			continue
		}

		if err := writeFile(target, tr); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return out.Close()
}
