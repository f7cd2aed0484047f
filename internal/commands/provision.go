package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/protosup/internal/integration/environment"
	"github.com/dshills/protosup/internal/integration/server/adapters"
)

type provisionFlagData struct {
	root   string
	python string
	fresh  bool
}

func newProvisionCommand(a *app) *cobra.Command {
	var flags provisionFlagData

	provisionCmd := &cobra.Command{
		Use:   "provision <kind>",
		Short: "Creates the Python environment a server kind needs",
		Long: `Creates (or reuses) the isolated Python environment for a server kind and
prints the path of its interpreter.

Kinds: ` + kindList(a.registry) + `, and those defined under [backends] in the
configuration file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.root != "" {
				a.cfg.Provisioning.Root = flags.root
			}
			if flags.python != "" {
				a.cfg.Provisioning.Python = flags.python
			}
			if flags.fresh {
				a.cfg.Provisioning.Reuse = false
			}

			kind := adapters.Kind(args[0])
			log := a.log.WithName("provision")

			srv, err := a.registry.Create(cmd.Context(), kind, a.adapterOptions(log)...)
			if err != nil {
				return err
			}

			withEnv, ok := srv.(interface {
				DefaultEnvironment() *environment.Environment
			})
			if !ok || withEnv.DefaultEnvironment() == nil {
				return fmt.Errorf("server kind %s does not use a provisioned environment", kind)
			}

			env := withEnv.DefaultEnvironment()
			log.Info("Environment ready", "kind", kind, "root", env.Root)
			fmt.Fprintln(cmd.OutOrStdout(), env.Interpreter)
			return nil
		},
	}

	provisionCmd.Flags().StringVarP(&flags.root, "root", "r", "", "Directory to create environments under. Overrides provisioning.root.")
	provisionCmd.Flags().StringVar(&flags.python, "python", "", "Base interpreter used to create the environment. Overrides provisioning.python.")
	provisionCmd.Flags().BoolVar(&flags.fresh, "fresh", false, "Recreate the environment even if a valid one exists.")

	return provisionCmd
}

func kindList(r *adapters.Registry) string {
	kinds := r.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
