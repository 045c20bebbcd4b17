package transfer

import (
	"archive/zip"
	"bytes"
	"image/png"
	"io"
	"regexp"
)

// plateThumbnailEntry and plateMetadataEntry are the conventional paths
// Bambu Studio writes its first-plate thumbnail and slice metadata under
// inside a .3mf/.gcode.3mf archive.
const (
	plateThumbnailEntry = "Metadata/plate_1.png"
	plateMetadataEntry  = "Metadata/slice_info.config"
)

var predictionPattern = regexp.MustCompile(`key="prediction"\s+value="(\d+)"`)

// ExtractPlateThumbnail returns the bytes of the archive's first-plate PNG
// thumbnail, if present and actually decodable as a PNG. A missing entry,
// or one that isn't valid PNG data, is not an error: ok is false and err
// is nil.
func ExtractPlateThumbnail(path string) (data []byte, ok bool, err error) {
	raw, found, err := readZipEntry(path, plateThumbnailEntry)
	if err != nil || !found {
		return nil, false, err
	}
	if _, pngErr := png.DecodeConfig(bytes.NewReader(raw)); pngErr != nil {
		return nil, false, nil
	}
	return raw, true, nil
}

// ExtractEstimatedDuration scrapes the archive's slice metadata for Bambu
// Studio's "prediction" field (estimated print time, in seconds). Absence
// of the metadata file or the field is not an error.
func ExtractEstimatedDuration(path string) (seconds int64, ok bool, err error) {
	raw, found, err := readZipEntry(path, plateMetadataEntry)
	if err != nil || !found {
		return 0, false, err
	}
	m := predictionPattern.FindSubmatch(raw)
	if m == nil {
		return 0, false, nil
	}
	var v int64
	for _, b := range m[1] {
		v = v*10 + int64(b-'0')
	}
	return v, true, nil
}

func readZipEntry(path, name string) ([]byte, bool, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		// Not every uploaded archive needs to be a valid zip for the
		// dispatcher's purposes; metadata extraction is best-effort.
		return nil, false, nil
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, false, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
	return nil, false, nil
}
