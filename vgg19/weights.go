package vgg19

import (
	"archive/tar"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

var (
	// WeightsURL is where the converted weights archive is downloaded from.
	// The archive holds one raw little-endian float32 file per weight
	// tensor, named "<layer>_kernel.bin" / "<layer>_bias.bin".
	WeightsURL = "https://github.com/yangbenfa/neuralstyle/releases/download/weights-v1/vgg19-notop-float32.tar.gz"

	// DefaultWeightsDir is where the weights are cached. A leading "~" is
	// expanded to the user's home directory.
	DefaultWeightsDir = "~/.cache/vgg19"
)

// ReplaceTildeInDir expands a leading "~" in dir to the user home directory.
func ReplaceTildeInDir(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, dir[1:])
}

// DownloadAndUnpackWeights downloads the pre-trained weights archive into
// baseDir and unpacks it, if not there already. It is idempotent: when all
// weight files are present it returns immediately.
func DownloadAndUnpackWeights(baseDir string) error {
	baseDir = ReplaceTildeInDir(baseDir)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create weights directory %s", baseDir)
	}
	if weightsPresent(baseDir) {
		return nil
	}

	archivePath := filepath.Join(baseDir, "vgg19-notop-float32.tar.gz")
	if err := download(WeightsURL, archivePath); err != nil {
		return err
	}
	if err := unpack(archivePath, baseDir); err != nil {
		return err
	}
	_ = os.Remove(archivePath)

	if !weightsPresent(baseDir) {
		return errors.Errorf("weights archive from %s unpacked but files are missing in %s", WeightsURL, baseDir)
	}
	return nil
}

// weightFileName is the file holding one weight tensor, relative to the
// weights directory.
func weightFileName(name string) string {
	return name + ".bin"
}

func weightsPresent(baseDir string) bool {
	for _, layer := range Layers {
		for _, kind := range []string{"kernel", "bias"} {
			path := filepath.Join(baseDir, weightFileName(fmt.Sprintf("%s_%s", layer.Name, kind)))
			if _, err := os.Stat(path); err != nil {
				return false
			}
		}
	}
	return true
}

func download(url, toPath string) error {
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed to download weights from %s", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed to download weights from %s: %s", url, resp.Status)
	}

	f, err := os.Create(toPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", toPath)
	}
	defer func() { _ = f.Close() }()

	bar := progressbar.DefaultBytes(resp.ContentLength, "downloading vgg19 weights")
	if _, err = io.Copy(io.MultiWriter(f, bar), resp.Body); err != nil {
		return errors.Wrapf(err, "failed to download weights from %s to %s", url, toPath)
	}
	return nil
}

func unpack(archivePath, baseDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open weights archive %s", archivePath)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "failed to read weights archive %s", archivePath)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read weights archive %s", archivePath)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(filepath.Clean(hdr.Name))
		out, err := os.Create(filepath.Join(baseDir, name))
		if err != nil {
			return errors.Wrapf(err, "failed to create weight file %s", name)
		}
		if _, err = io.Copy(out, tr); err != nil {
			_ = out.Close()
			return errors.Wrapf(err, "failed to unpack weight file %s", name)
		}
		if err = out.Close(); err != nil {
			return errors.Wrapf(err, "failed to write weight file %s", name)
		}
	}
}

// loadWeightTensor reads one raw little-endian float32 weight file and
// returns it as a tensor with the given dimensions. The file size must
// match the expected element count exactly.
func loadWeightTensor(baseDir, name string, dims ...int) (*tensors.Tensor, error) {
	baseDir = ReplaceTildeInDir(baseDir)
	path := filepath.Join(baseDir, weightFileName(name))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read weight file %s", path)
	}

	numElements := 1
	for _, dim := range dims {
		numElements *= dim
	}
	if len(raw) != numElements*4 {
		return nil, errors.Errorf("weight file %s holds %d bytes, expected %d (%d float32 elements, shape %v)",
			path, len(raw), numElements*4, numElements, dims)
	}

	data := make([]float32, numElements)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return tensors.FromFlatDataAndDimensions(data, dims...), nil
}
