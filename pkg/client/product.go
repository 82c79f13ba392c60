package client

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wurt83ow/possync/pkg/models"
	"github.com/wurt83ow/possync/pkg/services"
)

// NewProductCommand groups the product edit commands. Edits go to the
// catalog directly when it answers and are queued otherwise.
func NewProductCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Create, update, delete and look up products",
	}
	cmd.AddCommand(newProductAddCommand(opts))
	cmd.AddCommand(newProductUpdateCommand(opts))
	cmd.AddCommand(newProductDeleteCommand(opts))
	cmd.AddCommand(newProductGetCommand(opts))
	return cmd
}

func newProductAddCommand(opts *RootOptions) *cobra.Command {
	var p models.Product
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a product",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.Name == "" {
				return errors.New("--name is required")
			}
			app := opts.App()
			app.Monitor.Probe(cmd.Context())
			out, err := app.Services.CreateProduct(cmd.Context(), p)
			if err != nil {
				return err
			}
			return opts.printOutcome(cmd.OutOrStdout(), "Created", out)
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "product id (generated when empty)")
	cmd.Flags().StringVar(&p.Name, "name", "", "product name")
	cmd.Flags().Float64Var(&p.Price, "price", 0, "unit price")
	cmd.Flags().IntVar(&p.Stock, "stock", 0, "units in stock")
	cmd.Flags().StringVar(&p.Category, "category", "", "category")
	cmd.Flags().StringVar(&p.Barcode, "barcode", "", "barcode")
	return cmd
}

func newProductUpdateCommand(opts *RootOptions) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Apply a partial update given as a JSON object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := parseSnapshot(data)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				return errors.New("--data must name at least one field")
			}
			app := opts.App()
			app.Monitor.Probe(cmd.Context())
			out, err := app.Services.UpdateProduct(cmd.Context(), args[0], changes)
			if err != nil {
				return err
			}
			return opts.printOutcome(cmd.OutOrStdout(), "Updated", out)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", `changed fields, e.g. '{"price": 50}'`)
	return cmd
}

func newProductDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := opts.App()
			app.Monitor.Probe(cmd.Context())
			out, err := app.Services.DeleteProduct(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.printOutcome(cmd.OutOrStdout(), "Deleted "+args[0], out)
		},
	}
}

func newProductGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show the mirrored copy of a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok, err := opts.App().Services.GetProduct(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("product %s is not in the local mirror", args[0])
			}
			if opts.Format == "json" {
				return opts.printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %.2f  stock %d\n", p.ID, p.Name, p.Price, p.Stock)
			return nil
		},
	}
}

func (o *RootOptions) printOutcome(w io.Writer, verb string, out services.Outcome) error {
	if o.Format == "json" {
		return o.printJSON(w, out)
	}
	if out.Queued {
		_, err := fmt.Fprintf(w, "%s (queued as %s)\n", verb, out.QueueID)
		return err
	}
	if id := out.Product.ID(); id != "" {
		_, err := fmt.Fprintf(w, "%s %s\n", verb, id)
		return err
	}
	_, err := fmt.Fprintln(w, verb)
	return err
}
