package commands

import (
	"context"
	"fmt"

	"casccdn/pkg/app"
	"casccdn/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli 是一次命令执行共享的状态
type cli struct {
	cfgFile string

	// 显式指定 build 时跳过 patch server 的版本发现
	buildKey string
	cdnKey   string
	cdnURL   string

	app *app.App
}

// flagBindings: 全局参数 -> viper key
// 用户既可以在 yaml 里写，也可以用参数覆盖
var flagBindings = map[string]string{
	"product":      "cdn.product",
	"region":       "cdn.region",
	"archives":     "cdn.archives",
	"storage-path": "storage.path",
	"verify":       "verify.checksums",
	"concurrency":  "resolve.concurrency",
	"log-level":    "log.level",
}

// NewRootCmd 构建完整的命令树
func NewRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "casc",
		Short:        "casc: resolve and extract files from a CASC CDN",
		SilenceUsage: true,
		// PersistentPreRunE 会在所有子命令执行前运行
		PersistentPreRunE: c.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.app != nil {
				return c.app.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.casc/config.yaml)")
	pf.String("product", "", "product code, e.g. wow")
	pf.String("region", "", "region used to pick the version and CDN")
	pf.Bool("archives", false, "read blobs through CDN archive indices")
	pf.String("storage-path", "", "directory of the local object cache")
	pf.Bool("verify", true, "verify checksums and sizes")
	pf.Int("concurrency", 0, "parallel resolves")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.StringVar(&c.buildKey, "build", "", "build config key (skips version discovery)")
	pf.StringVar(&c.cdnKey, "cdn-config", "", "cdn config key, used with --build")
	pf.StringVar(&c.cdnURL, "cdn-url", "", "CDN base URL, e.g. http://host/tpr/wow/")

	root.AddCommand(
		newInfoCmd(c),
		newLsCmd(c),
		newCatCmd(c),
		newExtractCmd(c),
		newIndexCmd(c),
		newCatalogCmd(c),
		newInspectCmd(),
	)
	return root
}

// Execute 是入口
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	// 1. 配置: 默认值 -> 配置文件 -> 环境变量 -> 参数
	if err := config.Load(c.cfgFile); err != nil {
		return err
	}
	for name, key := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	// 2. 离线命令只读本地文件
	if offline(cmd) {
		return nil
	}

	// 3. 统一初始化 App
	var err error
	if c.app, err = app.NewApp(cmd.Context()); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	return nil
}

const offlineAnnotation = "offline"

func offline(cmd *cobra.Command) bool {
	for ; cmd != nil; cmd = cmd.Parent() {
		if cmd.Annotations[offlineAnnotation] == "true" {
			return true
		}
	}
	return false
}

// open 打开 --build 指定的 build，未指定时通过 patch server 发现当前版本
func (c *cli) open(ctx context.Context) (*app.Target, *app.Session, error) {
	t, err := c.app.Complete(ctx, app.Target{CDNBase: c.cdnURL, BuildKey: c.buildKey, CDNKey: c.cdnKey})
	if err != nil {
		return nil, nil, err
	}
	s, err := c.app.Open(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	return t, s, nil
}
