package container

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/sirupsen/logrus"
)

// BuildError reports a failed image build.
type BuildError struct {
	Image string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build image %s: %v", e.Image, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// BuildOptions describes an environment image.
type BuildOptions struct {
	// Name is the tag of the resulting image.
	Name string
	// BaseImage is the FROM image. When it equals Name the build extends
	// an existing environment in place.
	BaseImage string
	// Requirements is an optional requirements file installed into the image.
	Requirements string
	// Files are copied into FileDir before Run executes.
	Files []File
	// Run lists extra commands, in exec form, run after the requirements.
	Run [][]string
}

// FileDir is where BuildOptions.Files land inside the image.
const FileDir = "/tmp/sa"

// File is a local file added to the build context.
type File struct {
	// Source is the path on the host.
	Source string
	// Name is the base name inside the build context and FileDir.
	Name string
}

// ImagePath returns where f is found during the build.
func (f File) ImagePath() string {
	return FileDir + "/" + f.Name
}

func (o BuildOptions) extendsExisting() bool {
	return o.BaseImage == o.Name
}

// Dockerfile renders the build instructions for o.
func (o BuildOptions) Dockerfile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", o.BaseImage)
	b.WriteString("WORKDIR /app\n")
	if !o.extendsExisting() {
		b.WriteString("RUN pip install --upgrade pip\n")
	}
	if o.Requirements != "" {
		b.WriteString("COPY requirements.txt /app/requirements.txt\n")
		b.WriteString("RUN pip install -r requirements.txt\n")
	}
	for _, f := range o.Files {
		fmt.Fprintf(&b, "COPY %s %s\n", f.Name, f.ImagePath())
	}
	for _, cmd := range o.Run {
		argv, _ := json.Marshal(cmd)
		fmt.Fprintf(&b, "RUN %s\n", argv)
	}
	b.WriteString("CMD [\"python\"]\n")
	return b.String()
}

// buildContext packs the Dockerfile, requirements file and extra files into
// a tar stream.
func (o BuildOptions) buildContext() (io.Reader, error) {
	order := []string{"Dockerfile"}
	files := map[string][]byte{"Dockerfile": []byte(o.Dockerfile())}
	if o.Requirements != "" {
		data, err := os.ReadFile(o.Requirements)
		if err != nil {
			return nil, fmt.Errorf("read requirements: %w", err)
		}
		order = append(order, "requirements.txt")
		files["requirements.txt"] = data
	}
	for _, f := range o.Files {
		if f.Name == "" || f.Name != path.Base(f.Name) || f.Name == ".." || f.Name == "Dockerfile" || f.Name == "requirements.txt" {
			return nil, fmt.Errorf("invalid build file name %q", f.Name)
		}
		if _, dup := files[f.Name]; dup {
			return nil, fmt.Errorf("duplicate build file %q", f.Name)
		}
		data, err := os.ReadFile(f.Source)
		if err != nil {
			return nil, fmt.Errorf("read build file: %w", err)
		}
		order = append(order, f.Name)
		files[f.Name] = data
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for _, name := range order {
		data := files[name]
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  now,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// BuildImage builds and tags an environment image, streaming build output
// to out. A failed build of a new environment removes the tag again.
func (m *Manager) BuildImage(ctx context.Context, opts BuildOptions, out io.Writer) error {
	if !m.available {
		return ErrDockerUnavailable
	}
	if out == nil {
		out = io.Discard
	}

	log := m.log.WithFields(logrus.Fields{
		"action": "build_image",
		"image":  opts.Name,
		"base":   opts.BaseImage,
	})

	buildCtx, err := opts.buildContext()
	if err != nil {
		return &BuildError{Image: opts.Name, Err: err}
	}

	resp, err := m.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{opts.Name},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return &BuildError{Image: opts.Name, Err: err}
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil); err != nil {
		if !opts.extendsExisting() {
			m.removeQuietly(opts.Name)
		}
		log.WithError(err).Warn("image build failed")
		return &BuildError{Image: opts.Name, Err: err}
	}

	log.Info("image built")
	return nil
}

// removeQuietly removes a partially built image. It uses its own context so
// it still runs after the caller's context is cancelled.
func (m *Manager) removeQuietly(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.client.ImageRemove(ctx, name, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		m.log.WithFields(logrus.Fields{
			"action": "cleanup_image",
			"image":  name,
		}).WithError(err).Debug("cleanup of failed build skipped")
	}
}
