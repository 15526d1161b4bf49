package fileident

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Times reports the creation-ish and last-write timestamps for a path. Unix
// filesystems do not expose a true creation time, so the inode change time
// stands in for it.
func Times(path string) (created, modified time.Time, err error) {
	var st unix.Stat_t
	if err = unix.Stat(path, &st); err != nil {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return time.Time{}, time.Time{}, statErr
		}
		return info.ModTime(), info.ModTime(), nil
	}
	created = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	modified = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	if created.After(modified) {
		created = modified
	}
	return created, modified, nil
}
