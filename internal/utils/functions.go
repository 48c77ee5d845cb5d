package utils

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	u "net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type DownloadEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
	Hash       string `yaml:"hash"`
}

// includes logger
func ReadDownloadList(filePath string) ([]DownloadEntry, error) {
	log := GetLogger("config")
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %v", err)
	}
	var entries []DownloadEntry
	err = yaml.Unmarshal(data, &entries)
	if err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %v", err)
	}
	for i, entry := range entries {
		if entry.URL == "" {
			return nil, fmt.Errorf("missing URL for entry %d", i+1)
		}
	}
	log.Debug().Int("count", len(entries)).Msg("Entries loaded from YAML")
	return entries, nil
}

func ParseHeaderArgs(headers []string) map[string]string {
	parsed := make(map[string]string)
	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			continue
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// ProbeResult is what a HEAD request against a candidate URL reveals about
// the remote file before any bytes move.
type ProbeResult struct {
	Size     int64 // -1 when the server didn't report a length
	Filename string
	Ranged   bool
}

// Probe issues a HEAD request to learn size, range support and a server
// suggested file name. A missing Content-Length is not an error; the
// download falls back to a single linear stream.
func Probe(url string, client HTTPDoer) (ProbeResult, error) {
	res := ProbeResult{Size: -1}
	req, err := http.NewRequest("HEAD", url, nil)
	if err != nil {
		return res, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return res, &ServerError{Status: resp.StatusCode}
	}
	if contentDisposition := resp.Header.Get("Content-Disposition"); contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				res.Filename = filenameRegex.ReplaceAllString(fn, "_")
			} else if fn, ok := params["filename*"]; ok && fn != "" {
				if strings.HasPrefix(fn, "UTF-8''") {
					unescaped, _ := u.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
					res.Filename = filenameRegex.ReplaceAllString(unescaped, "_")
				}
			}
		}
	}
	res.Ranged = resp.Header.Get("Accept-Ranges") == "bytes"
	contentLength := resp.Header.Get("Content-Length")
	if contentLength == "" {
		return res, nil
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil {
		return res, err
	}
	if size < 0 {
		return res, errors.New("invalid file size reported by server")
	}
	res.Size = size
	return res, nil
}

// FilenameFromURL is the fallback when no Content-Disposition was offered.
func FilenameFromURL(rawURL string) string {
	parsedURL, err := u.Parse(rawURL)
	if err != nil || parsedURL.Path == "" {
		return ""
	}
	parts := strings.Split(parsedURL.Path, "/")
	return parts[len(parts)-1]
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
