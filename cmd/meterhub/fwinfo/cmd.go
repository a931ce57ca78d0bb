// Print firmware metadata exactly as gateways will receive it.
package fwinfo

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/temoto/meterhub/cmd/meterhub/subcmd"
	"github.com/temoto/meterhub/internal/config"
	"github.com/temoto/meterhub/internal/firmware"
	"github.com/temoto/meterhub/internal/handler"
	"github.com/temoto/meterhub/log2"
)

var Mod = subcmd.Mod{Name: "firmware-info", Main: Main, NoConfig: true}

func Main(ctx context.Context, config *config.Config, args []string) error {
	log := log2.ContextValueLogger(ctx)
	if len(args) == 0 {
		return errors.NotValidf("usage: firmware-info FILE...")
	}
	var errs []error
	for _, path := range args {
		meta, err := Info(path, config.Firmware.ChecksumMaxBytes)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "file=%s", path))
			continue
		}
		log.Info(Format(meta))
	}
	if len(errs) != 0 {
		return errs[0]
	}
	return nil
}

// Info derives metadata of unregistered file.
func Info(path string, checksumCeiling int64) (firmware.Meta, error) {
	name := filepath.Base(path)
	if err := handler.ValidateFilename(name); err != nil {
		return firmware.Meta{}, err
	}
	if checksumCeiling <= 0 {
		checksumCeiling = firmware.DefaultChecksumCeiling
	}
	f, err := firmware.OpenFile(path)
	if err != nil {
		return firmware.Meta{}, err
	}
	defer f.Close()
	return firmware.DeriveMeta(f, name, nil, checksumCeiling)
}

func Format(m firmware.Meta) string {
	checksum := m.Checksum
	if checksum == "" {
		checksum = "(above checksum ceiling)"
	}
	return fmt.Sprintf("%s size=%d chunks=%d chunk_size=%d sha256=%s", m.Filename, m.Size, m.TotalChunks, m.ChunkSize, checksum)
}
