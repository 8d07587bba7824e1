package bugtool

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/deltasync/cmd/util"
	"github.com/sidkik/deltasync/pkg/config"
	"github.com/sidkik/deltasync/pkg/conflict"
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/version"
)

var fs = afero.NewOsFs()

var httpClient = &http.Client{Timeout: 10 * time.Second}

// New creates a new `bug-tool` command.
func New() *cobra.Command {
	var out, configPath, server string
	cmd := &cobra.Command{
		Use:   "bug-tool",
		Short: "Generate an archive for debugging sync problems",
		Run:   func(_ *cobra.Command, _ []string) { main(out, configPath, server) },
	}
	cmd.Flags().StringVar(&out, "out", "", "path for archive")
	cmd.Flags().StringVar(&configPath, "config", config.ClientConfigPath,
		"The path to the client config.")
	cmd.Flags().StringVar(&server, "server", "",
		"The address of the server's HTTP endpoint. Its health is included if set.")
	return cmd
}

func main(out, configPath, server string) {
	tmpdir, err := afero.TempDir(fs, "", "deltasync-bug-tool")
	if err != nil {
		err = errors.NewFriendlyError("Failed to create out directory:\n%s", err)
		util.HandleFatalError(err)
	}

	// Wrap defer in a function to handle errors from fs.RemoveAll().
	defer func() {
		err := fs.RemoveAll(tmpdir)
		if err != nil {
			util.HandleFatalError(err)
		}
	}()

	setupInfo(tmpdir, configPath, server)

	if out == "" {
		out = fmt.Sprintf("deltasync-bug-info-%s.tar.gz",
			time.Now().Format("Jan_02_2006-15-04-05"))
	}
	if err := tarDirectory(tmpdir, out); err != nil {
		err = errors.NewFriendlyError("Failed to tar:\n%s", err)
		util.HandleFatalError(err)
	}

	msg := `Created bug information archive at '%s'.
You may want to edit the archive if your file names are sensitive.
The archive contains:
 * The client config, without its token.
 * The version of the CLI and the sync protocol.
 * The health of the server, if --server was set.
 * The paths of local changes that haven't been uploaded, and of conflicted copies.
`
	fmt.Printf(msg, out)
}

func setupInfo(root, configPath, server string) {
	if err := setupVersion(root); err != nil {
		log.WithError(err).Warn("Failed to setup version info")
	}

	if server != "" {
		if err := setupServerHealth(root, server); err != nil {
			log.WithError(err).Warn("Failed to setup server health")
		}
	}

	clientConfig, err := config.ParseClient(configPath)
	if err != nil {
		log.WithError(err).Error("Failed to parse client config")
		return
	}

	if err := setupClientConfig(root, clientConfig); err != nil {
		log.WithError(err).Warn("Failed to setup client config")
	}

	tree, err := fsys.NewOsFS(clientConfig.Root)
	if err != nil {
		log.WithError(err).Error("Failed to open sync directory")
		return
	}
	if err := setupLocalState(root, tree); err != nil {
		log.WithError(err).Warn("Failed to setup local state")
	}
}

func setupVersion(root string) error {
	info := fmt.Sprintf("local version: %s\nprotocol version: %s\n",
		version.Version, version.ProtocolVersion)
	return afero.WriteFile(fs, filepath.Join(root, "version"), []byte(info), 0644)
}

func setupClientConfig(root string, cfg config.Client) error {
	if cfg.Token != "" {
		cfg.Token = "<redacted>"
	}

	cfgBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return afero.WriteFile(fs, filepath.Join(root, "client-config.yaml"), cfgBytes, 0644)
}

func setupServerHealth(root, server string) error {
	resp, err := httpClient.Get(strings.TrimSuffix(server, "/") + "/healthz")
	if err != nil {
		return errors.WithContext(err, "get")
	}
	defer resp.Body.Close()

	health, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithContext(err, "read")
	}

	if prettyHealth, err := yaml.JSONToYAML(health); err == nil {
		health = prettyHealth
	} else {
		log.WithError(err).Warn("Failed to convert health JSON to YAML")
	}
	health = append([]byte(fmt.Sprintf("# status: %d\n", resp.StatusCode)), health...)
	return afero.WriteFile(fs, filepath.Join(root, "server-health.yaml"), health, 0644)
}

// localState lists the nodes that might explain why the local tree differs
// from the server's.
type localState struct {
	Unsynced   []string `json:"unsynced"`
	Conflicted []string `json:"conflicted"`

	// Conflicts are copies named as conflicted, whether or not they're
	// marked.
	Conflicts []string `json:"conflicts"`
}

func setupLocalState(root string, tree *fsys.FS) error {
	var state localState
	err := afero.Walk(tree, "/", func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			// Removed while walking.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		p = fsys.Clean(p)
		if conflict.PathContainsConflicted(p) {
			state.Conflicts = append(state.Conflicts, p)
		}

		markers, err := tree.Markers(p)
		if err != nil {
			log.WithError(err).WithField("path", p).Debug("Failed to get markers")
			return nil
		}
		if markers.IsUnsynced() {
			state.Unsynced = append(state.Unsynced, p)
		}
		if markers.Conflict {
			state.Conflicted = append(state.Conflicted, p)
		}
		return nil
	})
	if err != nil {
		return errors.WithContext(err, "walk")
	}

	stateBytes, err := yaml.Marshal(state)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return afero.WriteFile(fs, filepath.Join(root, "local-state.yaml"), stateBytes, 0644)
}

func tarDirectory(src, outPath string) error {
	out, err := fs.Create(outPath)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return afero.Walk(fs, src, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("make header %s", file))
		}

		relPath, err := filepath.Rel(src, file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("get relative path of %s to %s", file, src))
		}

		header.Name = filepath.ToSlash(filepath.Join("deltasync-bug-info", relPath))
		if err := tw.WriteHeader(header); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s header", file))
		}

		// Directories only need a header.
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := fs.Open(file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("open %s", file))
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return errors.WithContext(err, fmt.Sprintf("copy %s", file))
		}
		return nil
	})
}
