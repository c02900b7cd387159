package tunnel

import (
	"fmt"

	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
)

// startCustom handles the bring-your-own-tunnel mode: no binary, no child.
// The user runs their own reverse proxy and configures its public URL; the
// tunnel is considered running as soon as that URL exists.
func (c *Controller) startCustom(cfg configstore.Config) (string, error) {
	if cfg.PublicBaseURL == "" {
		return "", fmt.Errorf("custom tunnel requires a public endpoint URL. Set one in tunnel options first")
	}
	return cfg.PublicBaseURL, nil
}
