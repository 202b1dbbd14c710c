package step

import (
	"os"
	"regexp"
)

var lineBreaks = regexp.MustCompile(`\r\n|\r|\n`)

// writeScript saves code as an executable script with the platform's line endings
func writeScript(code string) (path string, err error) {
	f, err := os.CreateTemp("", "pga_*"+scriptExt)
	if err != nil {
		return "", err
	}
	path = f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if _, err = f.WriteString(lineBreaks.ReplaceAllString(code, lineSeparator)); err != nil {
		_ = f.Close()
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	if err = os.Chmod(path, 0o700); err != nil {
		return "", err
	}
	return path, nil
}
