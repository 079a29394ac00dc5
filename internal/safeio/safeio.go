// Package safeio implements convenient I/O routines that provide additional
// levels of safety in the presence of unexpected failures. The queue file
// store (internal/qstore) relies on the same guarantees for its atomic
// commits.
package safeio

import (
	"os"
	"path"
	"syscall"
)

// WriteFile writes data to a file named by filename, atomically, by
// writing to a temporary file in the same directory and renaming it into
// place. Queue-class transitions build on this same same-directory-rename
// guarantee.
//
// Each op runs, in order, on the name of the written and closed temporary
// file before the rename; if one fails, the temporary file is removed, the
// original is left untouched, and that op's error is returned.
//
// This relies on same-directory Rename being atomic, which holds on most
// reasonably modern filesystems.
func WriteFile(filename string, data []byte, perm os.FileMode, ops ...FileOp) error {
	// The temporary file lives in the same directory, otherwise we'd have
	// no expectation of Rename being atomic. Its name starts with "." so
	// it's never confused with a real queue file mid-write.
	tmpf, err := os.CreateTemp(path.Dir(filename), "."+path.Base(filename))
	if err != nil {
		return err
	}

	if err = tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if uid, gid := getOwner(filename); uid >= 0 {
		if err = tmpf.Chown(uid, gid); err != nil {
			tmpf.Close()
			os.Remove(tmpf.Name())
			return err
		}
	}

	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if err = tmpf.Close(); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	for _, op := range ops {
		if err = op(tmpf.Name()); err != nil {
			os.Remove(tmpf.Name())
			return err
		}
	}

	return os.Rename(tmpf.Name(), filename)
}

// FileOp is an operation WriteFile runs on the temporary file, given its
// name.
type FileOp func(tmpf string) error

func getOwner(fname string) (uid, gid int) {
	uid = -1
	gid = -1
	stat, err := os.Stat(fname)
	if err == nil {
		if sysstat, ok := stat.Sys().(*syscall.Stat_t); ok {
			uid = int(sysstat.Uid)
			gid = int(sysstat.Gid)
		}
	}

	return
}
