package util

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	log "github.com/sirupsen/logrus"
)

// maxJSONFileSize bounds config and state files read from disk
const maxJSONFileSize = 10 * 1024 * 1024

// WriteJson writes obj to file as indented JSON, creating parent directories if required.
// The content is written to a temporary file in the same directory and renamed into place,
// so readers observe either the previous or the new content.
func WriteJson(ctx context.Context, file string, obj interface{}) error {
	dir, name, err := prepareFileDir(file)
	if err != nil {
		return fmt.Errorf("prepare dir: %w", err)
	}

	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return writeBytes(ctx, file, dir, name, bs)
}

// writeBytes writes bs to a temp file next to file and renames it over file
func writeBytes(ctx context.Context, file, dir, name string, bs []byte) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write bytes start: %w", ctx.Err())
	}

	tempFile, err := os.CreateTemp(dir, ".*"+name)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tempFileName := tempFile.Name()

	defer func() {
		if _, statErr := os.Stat(tempFileName); statErr == nil {
			if err := os.Remove(tempFileName); err != nil {
				log.Warnf("failed to remove temp file %s: %v", tempFileName, err)
			}
		}
	}()

	if _, err := tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("after temp file: %w", ctx.Err())
	}

	if err := os.Rename(tempFileName, file); err != nil {
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}

	return nil
}

// ReadJson reads a JSON file into res
func ReadJson(file string, res interface{}) error {
	bs, err := readLimited(file)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(bs, res); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	return nil
}

// ReadJsonWithEnvSub reads a JSON file into res after substituting {{ .ENV_VAR }}
// references with values from the environment.
func ReadJsonWithEnvSub(file string, res interface{}) error {
	bs, err := readLimited(file)
	if err != nil {
		return err
	}

	// no FuncMap: only variable substitution is possible
	t, err := template.New("").Option("missingkey=zero").Parse(string(bs))
	if err != nil {
		return fmt.Errorf("error parsing template: %w", err)
	}

	var output bytes.Buffer
	if err := t.Execute(&output, getEnvMap()); err != nil {
		return fmt.Errorf("error executing template: %w", err)
	}

	if err := json.Unmarshal(output.Bytes(), res); err != nil {
		return fmt.Errorf("failed parsing Json file after template was executed: %w", err)
	}

	return nil
}

// RemoveJson removes the specified JSON file if it exists
func RemoveJson(file string) error {
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove JSON file %s: %w", file, err)
	}
	return nil
}

// CopyFileContents copies src to dst and applies mode to dst
func CopyFileContents(src, dst string, mode os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		cErr := out.Close()
		if err == nil {
			err = cErr
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Chmod(mode); err != nil {
		return err
	}
	return out.Sync()
}

func readLimited(file string) ([]byte, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bs, err := io.ReadAll(io.LimitReader(f, maxJSONFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	if len(bs) > maxJSONFileSize {
		return nil, fmt.Errorf("file %s too large: maximum size is %d bytes", file, maxJSONFileSize)
	}
	return bs, nil
}

// getEnvMap converts the output of os.Environ() to a map
func getEnvMap() map[string]string {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if ok && key != "" {
			envMap[key] = value
		}
	}
	return envMap
}

func prepareFileDir(file string) (string, string, error) {
	dir, name := filepath.Split(file)
	if dir == "" {
		return ".", name, nil
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", err
	}
	return dir, name, nil
}
