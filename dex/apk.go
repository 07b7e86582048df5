package dex

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

var apkDexEntry = regexp.MustCompile(`^classes(\d*)\.dex$`)

// OpenAPK parses every classesN.dex at the root of an APK, in load order
// (classes.dex, classes2.dex, ...). Each File is named "apk!entry".
func OpenAPK(path string) ([]*File, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open APK %s", path)
	}
	defer rc.Close()

	type entry struct {
		order int
		zf    *zip.File
	}
	var entries []entry
	for _, zf := range rc.File {
		m := apkDexEntry.FindStringSubmatch(zf.Name)
		if m == nil {
			continue
		}
		order := 1
		if m[1] != "" {
			order, _ = strconv.Atoi(m[1])
		}
		entries = append(entries, entry{order, zf})
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("APK %s contains no classes.dex", path)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	files := make([]*File, 0, len(entries))
	for _, e := range entries {
		data, err := readZipEntry(e.zf)
		if err != nil {
			return nil, errors.Wrapf(err, "opening apk %s dex %s", path, e.zf.Name)
		}
		f, err := Parse(data)
		if err != nil {
			return nil, errors.Wrapf(err, "reading apk %s dex %s", path, e.zf.Name)
		}
		f.Name = path + "!" + e.zf.Name
		files = append(files, f)
	}
	return files, nil
}

// maxPreallocate caps how much of the declared entry size is trusted up front.
const maxPreallocate = 64 << 20

func readZipEntry(zf *zip.File) ([]byte, error) {
	r, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	buf.Grow(int(min(zf.UncompressedSize64, maxPreallocate)))
	n, err := io.Copy(&buf, r)
	if err != nil {
		return nil, err
	}
	if uint64(n) != zf.UncompressedSize64 {
		return nil, errors.Errorf("expected %d bytes read %d", zf.UncompressedSize64, n)
	}
	return buf.Bytes(), nil
}

// Load opens path as an APK when it starts with a zip signature and as a
// single DEX file otherwise.
func Load(path string) ([]*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var magic [4]byte
	_, err = io.ReadFull(fd, magic[:])
	fd.Close()
	if err == nil && bytes.Equal(magic[:], []byte("PK\x03\x04")) {
		return OpenAPK(path)
	}
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	return []*File{f}, nil
}
