package dex

import (
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// CodeRecord carries dumped instruction bytes for one method, as written by
// runtime dumpers that capture method bodies after they are unpacked.
type CodeRecord struct {
	Name      string
	MethodIdx uint32
	Code      []byte
}

// PatchStats counts what Patch did with each record.
type PatchStats struct {
	Applied        int
	Skipped        int
	LengthMismatch int
}

// ReadCodeRecords reads a JSON array of {"name", "method_idx", "code"}
// objects where code is hex encoded.
func ReadCodeRecords(r io.Reader) ([]CodeRecord, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read json")
	}
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("decode json: invalid document")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsArray() {
		return nil, errors.New("decode json: expected an array of code records")
	}

	var records []CodeRecord
	var decodeErr error
	doc.ForEach(func(i, v gjson.Result) bool {
		idx := v.Get("method_idx")
		if !idx.Exists() {
			decodeErr = errors.Errorf("decode json: record %d has no method_idx", i.Int())
			return false
		}
		code, err := hex.DecodeString(v.Get("code").String())
		if err != nil {
			decodeErr = errors.Wrapf(err, "decode json: record %d code", i.Int())
			return false
		}
		records = append(records, CodeRecord{
			Name:      v.Get("name").String(),
			MethodIdx: uint32(idx.Uint()),
			Code:      code,
		})
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return records, nil
}

// Patch writes each record's bytes over the instructions of its method in
// image, then re-signs the image. Only min(dumped, declared) bytes are
// written; records for unknown methods or methods without code are skipped.
func Patch(image []byte, records []CodeRecord) (PatchStats, error) {
	var st PatchStats
	f, err := Parse(image)
	if err != nil {
		return st, errors.Wrap(err, "parse dex")
	}
	for _, r := range records {
		m, err := f.Method(r.MethodIdx)
		if err != nil {
			st.Skipped++
			continue
		}
		code, ok := f.CodeFor(m)
		if !ok {
			st.Skipped++
			continue
		}
		n := min(len(code.Insns), len(r.Code))
		if n != len(r.Code) || n != len(code.Insns) {
			st.LengthMismatch++
		}
		copy(image[code.InsnsOffset:int(code.InsnsOffset)+n], r.Code[:n])
		st.Applied++
	}
	Resign(image[:f.Header.FileSize])
	return st, nil
}

// PatchFile applies the records in jsonPath to dexPath and writes outPath.
func PatchFile(dexPath, jsonPath, outPath string) (PatchStats, error) {
	image, err := os.ReadFile(dexPath)
	if err != nil {
		return PatchStats{}, errors.Wrap(err, "read dex")
	}
	jf, err := os.Open(jsonPath)
	if err != nil {
		return PatchStats{}, errors.Wrap(err, "open json")
	}
	defer jf.Close()

	records, err := ReadCodeRecords(jf)
	if err != nil {
		return PatchStats{}, err
	}
	st, err := Patch(image, records)
	if err != nil {
		return st, err
	}
	if err := os.WriteFile(outPath, image, 0o644); err != nil {
		return st, errors.Wrap(err, "write out")
	}
	return st, nil
}

var codeRecordFile = regexp.MustCompile(`^dex_([0-9a-fA-F]+)_([0-9a-fA-F]+)_code\.json$`)

// FixDirectory pairs every dex_<begin>_<size>.dex in dir with its
// dex_<begin>_<size>_code.json and writes fix/dex_<begin>_<size>_fix.dex.
// A pair that fails is logged and does not stop the others. It returns the
// paths written.
func FixDirectory(dir string, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pairs := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if m := codeRecordFile.FindStringSubmatch(d.Name()); m != nil {
			pairs["dex_"+m[1]+"_"+m[2]] = path
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("no dex_*_code.json found in %s", dir)
	}

	fixDir := filepath.Join(dir, "fix")
	if err := os.MkdirAll(fixDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create fix dir %s", fixDir)
	}

	bases := make([]string, 0, len(pairs))
	for base := range pairs {
		bases = append(bases, base)
	}
	sort.Strings(bases)

	var written []string
	for _, base := range bases {
		jsonPath := pairs[base]
		dexPath := filepath.Join(dir, base+".dex")
		if _, err := os.Stat(dexPath); err != nil {
			logger.Debug("no dex for code records", zap.String("json", jsonPath))
			continue
		}
		outPath := filepath.Join(fixDir, base+"_fix.dex")
		st, err := PatchFile(dexPath, jsonPath, outPath)
		if err != nil {
			logger.Warn("fix failed", zap.String("dex", dexPath), zap.Error(err))
			continue
		}
		logger.Info("wrote fixed dex",
			zap.String("out", outPath),
			zap.Int("applied", st.Applied),
			zap.Int("skipped", st.Skipped),
			zap.Int("length_mismatch", st.LengthMismatch))
		written = append(written, outPath)
	}
	return written, nil
}
