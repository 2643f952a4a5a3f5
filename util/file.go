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

const maxConfigFileSize = 1024 * 1024

// WriteJsonWithRestrictedPermission writes obj as indented JSON through a 0600 temp file and an atomic rename.
func WriteJsonWithRestrictedPermission(ctx context.Context, file string, obj interface{}) error {
	dir, name, err := prepareConfigFileDir(file)
	if err != nil {
		return fmt.Errorf("prepare config file dir: %w", err)
	}

	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return writeBytes(ctx, file, dir, name, bs)
}

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
			_ = os.Remove(tempFileName)
		}
	}()

	if err := os.Chmod(tempFileName, 0600); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("set temp file permissions: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := tempFile.SetDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			log.Warnf("failed to set deadline: %v", err)
		}
	}

	if _, err = tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err = tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("after temp file: %w", ctx.Err())
	}

	if err = os.Rename(tempFileName, file); err != nil {
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}
	return nil
}

// ReadJsonWithEnvSub reads a JSON config file, substituting {{ .ENV_NAME }} templates with environment variables.
func ReadJsonWithEnvSub(file string, res interface{}) (interface{}, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bs, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bs) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: maximum size is %d bytes", maxConfigFileSize)
	}

	t, err := template.New("").Parse(string(bs))
	if err != nil {
		return nil, fmt.Errorf("error parsing template: %v", err)
	}

	var output bytes.Buffer
	if err = t.Execute(&output, getEnvMap()); err != nil {
		return nil, fmt.Errorf("error executing template: %v", err)
	}

	if err = json.Unmarshal(output.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("failed parsing Json file after template was executed, err: %v", err)
	}

	return res, nil
}

func getEnvMap() map[string]string {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			envMap[parts[0]] = parts[1]
		}
	}
	return envMap
}

// prepareConfigFileDir creates the parent directory of file with 0750 permissions.
func prepareConfigFileDir(file string) (string, string, error) {
	dir, name := filepath.Split(file)
	if dir == "" {
		return filepath.Dir(file), name, nil
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", "", err
	}
	return dir, name, nil
}
