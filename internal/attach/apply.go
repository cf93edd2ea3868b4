package attach

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/blockplane/blockplane/internal/monitor"
)

// Apply attaches one prepared layer to a running VM. Sub-objects are
// created in dependency order; property sets of later steps may reference
// aliases and node names created by earlier ones. Each sub-object is
// marked attached the moment its create command succeeds, so a failure at
// any step leaves Data describing exactly what Rollback must remove.
// The failing command's error is returned as-is.
//
// The stages are also exported individually: formatting a new image
// interleaves them with create jobs instead of running them back to back.
func Apply(ctx context.Context, mon *monitor.Client, data *Data) error {
	if err := ApplyStorageDeps(ctx, mon, data); err != nil {
		return err
	}
	if err := ApplyFormatDeps(ctx, mon, data); err != nil {
		return err
	}
	if err := ApplyStorage(ctx, mon, data); err != nil {
		return err
	}
	if data.SliceProps != nil {
		if err := mon.BlockdevAdd(ctx, data.SliceProps); err != nil {
			return err
		}
		data.SliceAttached = true
	}
	if err := ApplyFormat(ctx, mon, data); err != nil {
		return err
	}

	if data.ChardevProps != nil {
		if err := mon.ChardevAdd(ctx, data.ChardevAlias, data.ChardevProps); err != nil {
			return err
		}
		data.ChardevAdded = true
	}

	return nil
}

// ApplyStorageDeps creates everything the storage node's property set
// references: the persistent-reservation helper, the authentication,
// cookie and TLS key secrets, the TLS credentials, and the passed
// descriptor set.
func ApplyStorageDeps(ctx context.Context, mon *monitor.Client, data *Data) error {
	if data.PRManagerProps != nil {
		if err := mon.ObjectAdd(ctx, data.PRManagerProps); err != nil {
			return err
		}
		data.PRManagerAdded = true
	}
	if data.AuthSecretProps != nil {
		if err := mon.ObjectAdd(ctx, data.AuthSecretProps); err != nil {
			return err
		}
		data.AuthSecretAdded = true
	}
	if data.CookieSecretProps != nil {
		if err := mon.ObjectAdd(ctx, data.CookieSecretProps); err != nil {
			return err
		}
		data.CookieSecretAdded = true
	}
	if data.TLSKeySecretProps != nil {
		if err := mon.ObjectAdd(ctx, data.TLSKeySecretProps); err != nil {
			return err
		}
		data.TLSKeySecretAdded = true
	}
	if data.TLSProps != nil {
		if err := mon.ObjectAdd(ctx, data.TLSProps); err != nil {
			return err
		}
		data.TLSAdded = true
	}

	if data.FDGroup != nil && len(data.FDFiles) > 0 {
		for i, f := range data.FDFiles {
			opaque := fmt.Sprintf("%s-%d", data.FDGroup.Name, i)
			if _, err := mon.AddFD(ctx, int(data.FDGroup.SetID), opaque, f); err != nil {
				return err
			}
			// The set exists once the first descriptor lands.
			data.FDSetAdded = true
		}
	}

	return nil
}

// ApplyFormatDeps creates the encryption passphrase secrets the format
// node's property set references.
func ApplyFormatDeps(ctx context.Context, mon *monitor.Client, data *Data) error {
	for i, props := range data.EncryptSecretProps {
		if err := mon.ObjectAdd(ctx, props); err != nil {
			return err
		}
		data.EncryptSecretsAdded = i + 1
	}
	return nil
}

// ApplyStorage attaches the storage node alone.
func ApplyStorage(ctx context.Context, mon *monitor.Client, data *Data) error {
	if data.StorageProps == nil {
		return nil
	}
	if err := mon.BlockdevAdd(ctx, data.StorageProps); err != nil {
		return err
	}
	data.StorageAttached = true
	return nil
}

// ApplyFormat attaches the format node alone.
func ApplyFormat(ctx context.Context, mon *monitor.Client, data *Data) error {
	if data.FormatProps == nil {
		return nil
	}
	if err := mon.BlockdevAdd(ctx, data.FormatProps); err != nil {
		return err
	}
	data.FormatAttached = true
	return nil
}

// Rollback removes whatever Apply marked attached, in reverse creation
// order, so the error that triggered the rollback survives as the
// operation's error. Cleanup failures are logged, never returned. The
// teardown runs even when ctx already expired.
func Rollback(ctx context.Context, mon *monitor.Client, data *Data) {
	if data == nil {
		return
	}
	if err := teardown(context.WithoutCancel(ctx), mon, data); err != nil {
		logrus.WithError(err).WithField("node", data.StorageNodename).
			Warn("rollback left residue in the device manager")
	}
}

// teardown removes every sub-object marked attached, in reverse creation
// order, and collects the failures. Markers stay set on failure so a
// retry targets the same residue.
func teardown(ctx context.Context, mon *monitor.Client, data *Data) error {
	var errs error

	if data.ChardevAdded {
		if err := mon.ChardevRemove(ctx, data.ChardevAlias); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("chardev %s: %w", data.ChardevAlias, err))
		}
	}

	if data.FormatAttached {
		if err := mon.BlockdevDel(ctx, data.FormatNodename); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("format node %s: %w", data.FormatNodename, err))
		}
	}
	if data.SliceAttached {
		if err := mon.BlockdevDel(ctx, data.SliceNodename); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("slice node %s: %w", data.SliceNodename, err))
		}
	}
	if data.StorageAttached {
		if err := mon.BlockdevDel(ctx, data.StorageNodename); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("storage node %s: %w", data.StorageNodename, err))
		}
	}

	for i := data.EncryptSecretsAdded; i > 0; i-- {
		alias := data.EncryptSecretAliases[i-1]
		if err := mon.ObjectDel(ctx, alias); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("encryption secret %s: %w", alias, err))
		}
	}

	if data.FDSetAdded {
		if err := mon.RemoveFDSet(ctx, int(data.FDGroup.SetID)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("descriptor set %d: %w", data.FDGroup.SetID, err))
		}
	}

	if data.TLSAdded {
		if err := mon.ObjectDel(ctx, data.TLSAlias); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tls credentials %s: %w", data.TLSAlias, err))
		}
	}
	if data.TLSKeySecretAdded {
		if err := mon.ObjectDel(ctx, data.TLSKeySecretAlias); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tls key secret %s: %w", data.TLSKeySecretAlias, err))
		}
	}
	if data.CookieSecretAdded {
		if err := mon.ObjectDel(ctx, data.CookieSecretAlias); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cookie secret %s: %w", data.CookieSecretAlias, err))
		}
	}
	if data.AuthSecretAdded {
		if err := mon.ObjectDel(ctx, data.AuthSecretAlias); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("auth secret %s: %w", data.AuthSecretAlias, err))
		}
	}
	if data.PRManagerAdded {
		if err := mon.ObjectDel(ctx, data.PRManagerAlias); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pr manager %s: %w", data.PRManagerAlias, err))
		}
	}

	return errs
}
