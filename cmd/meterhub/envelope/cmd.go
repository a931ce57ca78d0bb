// Inspect gateway envelopes captured from broker, e.g. `mosquitto_sub -F %x`.
package envelope

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/meterhub/cmd/meterhub/subcmd"
	"github.com/temoto/meterhub/helpers/cli"
	"github.com/temoto/meterhub/internal/config"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
)

const modName = "envelope"

var Mod = subcmd.Mod{Name: modName, Main: Main, NoConfig: true}

func Main(ctx context.Context, _ *config.Config, args []string) error {
	log := log2.ContextValueLogger(ctx)
	exec := func(line string) {
		s, err := Inspect(line)
		if err != nil {
			log.Error(err)
		}
		if s != "" {
			log.Info(s)
		}
	}
	if len(args) != 0 {
		for _, arg := range args {
			exec(arg)
		}
		return nil
	}
	return cli.MainLoop(modName, exec, func(prompt.Document) []prompt.Suggest { return nil })
}

// Inspect decodes hex (binary or JSON text) envelope.
// Validation problems are returned as error along with decoded form.
func Inspect(line string) (string, error) {
	line = strings.TrimSpace(line)
	var b []byte
	if strings.HasPrefix(line, "{") {
		b = []byte(line)
	} else {
		// mosquitto_sub strips leading zero in hex format
		if len(line)%2 == 1 {
			line = "0" + line
		}
		var err error
		if b, err = hex.DecodeString(line); err != nil {
			return "", errors.Annotate(err, "hex decode")
		}
	}
	m, err := wire.Decode(b)
	if err != nil {
		return "", err
	}
	s := wire.EnvelopeString(m)
	u, err := wire.UplinkFromMap(m)
	if err != nil {
		return s, err
	}
	return fmt.Sprintf("%s\neui=%s n=%d q=%s", s, u.GatewayEUI, u.Number, u.Query), nil
}
