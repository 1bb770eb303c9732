package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/codecache"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

// cacheDirOrDefault is --cache-dir, or a directory under the user cache for the
// cache commands, which always need one.
func (opt *options) cacheDirOrDefault() (string, error) {
	if opt.cacheDir != "" {
		return opt.cacheDir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("no --cache-dir and no user cache directory: %w", err)
	}
	return filepath.Join(base, "bpfjit"), nil
}

func (opt *options) withCache(fn func(c *codecache.Cache) error) error {
	dir, err := opt.cacheDirOrDefault()
	if err != nil {
		return err
	}
	c, err := codecache.Open(dir)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func newCacheCmd(opt *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the compiled image cache",
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List cached images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opt.withCache(func(c *codecache.Cache) error {
				infos, err := c.List()
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, info := range infos {
					fmt.Fprintf(w, "%s  %-24s insns=%-5d code=%-9s stored=%-9s %s\n",
						info.Key.String()[:16], info.Name, info.Insns,
						units.BytesSize(float64(info.CodeLen)), units.BytesSize(float64(info.Stored)),
						units.HumanDuration(time.Since(info.Created))+" ago")
				}
				fmt.Fprintf(w, "%d images\n", len(infos))
				return nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <key>",
		Short: "Disassemble a cached image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opt.withCache(func(c *codecache.Cache) error {
				k, err := resolveKey(c, args[0])
				if err != nil {
					return err
				}
				e, ok, err := c.Get(k)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no image %s", args[0])
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s: %d insns, %d code bytes, stack %d, created %s\n",
					e.Name, e.Insns, e.CodeLen, e.Stack, e.Created.Format("2006-01-02 15:04:05"))
				fmt.Fprint(w, arm64.Disassemble(e.Image[:e.CodeLen]))
				return nil
			})
		},
	}

	rm := &cobra.Command{
		Use:   "rm <key>...",
		Short: "Remove cached images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opt.withCache(func(c *codecache.Cache) error {
				for _, a := range args {
					k, err := resolveKey(c, a)
					if err != nil {
						return err
					}
					if err := c.Delete(k); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d images\n", len(args))
				return nil
			})
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove every cached image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opt.withCache(func(c *codecache.Cache) error {
				n, err := c.Purge()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d images\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(ls, show, rm, purge)
	return cmd
}

// resolveKey accepts a full key or a unique prefix of one.
func resolveKey(c *codecache.Cache, s string) (codecache.Key, error) {
	if k, err := codecache.ParseKey(s); err == nil {
		return k, nil
	}
	infos, err := c.List()
	if err != nil {
		return codecache.Key{}, err
	}
	var found []codecache.Key
	for _, info := range infos {
		if s != "" && strings.HasPrefix(info.Key.String(), s) {
			found = append(found, info.Key)
		}
	}
	switch len(found) {
	case 0:
		return codecache.Key{}, fmt.Errorf("no image %s", s)
	case 1:
		return found[0], nil
	}
	return codecache.Key{}, fmt.Errorf("key prefix %s matches %d images", s, len(found))
}
