package cluster

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vanadb/vanadb/pkg/admission"
	"github.com/vanadb/vanadb/pkg/tasks"
)

const backupsDir = "backups"

// Backup copies dbID's on-disk representation into a compressed archive as a
// tracked background task and returns the task id. Failures are recorded on
// the task, not raised to the (long gone) caller.
func (s *Service) Backup(dbID, format, compression string, encrypted bool) (string, error) {
	if s.cfg.ReadOnly {
		return "", errReadOnly("backup")
	}
	if !s.catalog.Exists(dbID) {
		return "", errNotFound(dbID)
	}
	if format != "" && format != "full" {
		return "", errValidationf("unsupported backup format %q", format)
	}
	if compression != "" && compression != "gzip" {
		return "", errValidationf("unsupported compression %q", compression)
	}
	if encrypted {
		return "", errValidationf("encrypted backups are not supported")
	}
	if decision, reason := s.admission.CheckAdmission(dbID, admission.OpIngest); decision != admission.Accept {
		return "", errAdmission(decision, reason)
	}

	taskID, err := s.tasks.CreateTask("backup", map[string]any{"database": dbID})
	if err != nil {
		return "", err
	}

	go s.runBackup(taskID, dbID)
	return taskID, nil
}

func (s *Service) runBackup(taskID, dbID string) {
	if err := s.tasks.StartTask(taskID); err != nil {
		log.Printf("[cluster] backup %s: start: %v", taskID, err)
		return
	}

	progress := 25
	s.tasks.UpdateTask(taskID, tasks.Update{ProgressPercent: &progress})

	archivePath, size, err := s.writeBackupArchive(dbID, backupsDir)
	if err != nil {
		s.metrics.RecordDatabaseOperation("backup", dbID, false)
		s.tasks.FailTask(taskID, err.Error())
		return
	}

	progress = 75
	s.tasks.UpdateTask(taskID, tasks.Update{ProgressPercent: &progress})

	s.metrics.RecordDatabaseOperation("backup", dbID, true)
	s.tasks.CompleteTask(taskID, map[string]any{
		"archive_path": archivePath,
		"size_bytes":   size,
	})
}

// writeBackupArchive archives the database under basePath/<dir> and returns
// the archive path and size.
func (s *Service) writeBackupArchive(dbID, dir string) (string, int64, error) {
	dst := filepath.Join(s.cfg.BasePath, dir,
		fmt.Sprintf("%s_%s.tar.gz", dbID, time.Now().UTC().Format("20060102T150405Z")))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}
	if err := createTarGz(s.dbPath(dbID), dbID, dst); err != nil {
		return "", 0, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return "", 0, err
	}
	return dst, info.Size(), nil
}

// Restore replaces dbID's on-disk state with the contents of archivePath as a
// tracked background task. With createSafetyBackup set, the existing database
// is first snapshotted into a timestamped system backup archive so a bad
// restore can be undone.
func (s *Service) Restore(dbID, archivePath string, createSafetyBackup bool) (string, error) {
	if s.cfg.ReadOnly {
		return "", errReadOnly("restore")
	}
	if err := validateDatabaseID(dbID); err != nil {
		return "", err
	}
	if _, err := os.Stat(archivePath); err != nil {
		return "", errValidationf("archive not readable: %v", err)
	}
	if decision, reason := s.admission.CheckAdmission(dbID, admission.OpIngest); decision != admission.Accept {
		return "", errAdmission(decision, reason)
	}

	taskID, err := s.tasks.CreateTask("restore", map[string]any{
		"database": dbID,
		"archive":  archivePath,
	})
	if err != nil {
		return "", err
	}

	go s.runRestore(taskID, dbID, archivePath, createSafetyBackup)
	return taskID, nil
}

func (s *Service) runRestore(taskID, dbID, archivePath string, createSafetyBackup bool) {
	fail := func(err error) {
		s.metrics.RecordDatabaseOperation("restore", dbID, false)
		s.tasks.FailTask(taskID, err.Error())
	}

	if err := s.tasks.StartTask(taskID); err != nil {
		log.Printf("[cluster] restore %s: start: %v", taskID, err)
		return
	}

	var safetyPath string
	if createSafetyBackup && s.catalog.Exists(dbID) {
		path, _, err := s.writeBackupArchive(dbID, filepath.Join(backupsDir, "system"))
		if err != nil {
			fail(fmt.Errorf("safety backup: %w", err))
			return
		}
		safetyPath = path
		progress := 25
		s.tasks.UpdateTask(taskID, tasks.Update{ProgressPercent: &progress})
	}

	// Drop every live handle before touching the files underneath it.
	s.pool.InvalidateDatabase(dbID)
	if err := os.RemoveAll(s.dbPath(dbID)); err != nil {
		fail(fmt.Errorf("remove existing database: %w", err))
		return
	}
	progress := 50
	s.tasks.UpdateTask(taskID, tasks.Update{ProgressPercent: &progress})

	if err := extractTarGz(archivePath, s.dbPath(dbID)); err != nil {
		fail(fmt.Errorf("extract archive: %w", err))
		return
	}

	if !s.catalog.Exists(dbID) {
		s.catalog.Add(CatalogEntry{
			GraphID:    dbID,
			SchemaKind: SchemaKindStandard,
			CreatedAt:  time.Now(),
		})
	}
	s.metrics.InvalidateSize(dbID)
	s.metrics.RecordDatabaseOperation("restore", dbID, true)

	result := map[string]any{"database": dbID}
	if safetyPath != "" {
		result["safety_backup_path"] = safetyPath
	}
	s.tasks.CompleteTask(taskID, result)
}

// createTarGz archives src (a single file or a directory tree) into a gzipped
// tar at dst, with entries rooted at root.
func createTarGz(src, root, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	addFile := func(path, name string, fi os.FileInfo) error {
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	}

	if info.IsDir() {
		err = filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			name := root
			if rel != "." {
				name = filepath.ToSlash(filepath.Join(root, rel))
			}
			return addFile(path, name, fi)
		})
	} else {
		err = addFile(src, root, info)
	}
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// extractTarGz unpacks archive into dstDir, rejecting entries that would
// escape it.
func extractTarGz(archive, dstDir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Entries are rooted at the database id; strip that first component
		// so extraction lands directly in dstDir.
		name := filepath.ToSlash(hdr.Name)
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		} else {
			name = filepath.Base(name)
		}
		if name == "" || name == "." {
			continue
		}

		target := filepath.Join(dstDir, filepath.FromSlash(name))
		if !strings.HasPrefix(target, filepath.Clean(dstDir)+string(os.PathSeparator)) &&
			target != filepath.Clean(dstDir) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
