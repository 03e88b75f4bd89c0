package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orderline/internal/app"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/repo"
	"orderline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Orderline CLI",
	Long: `Orderline tracks maintenance work orders through a fixed lifecycle:
unassigned -> in_progress -> pending_acceptance -> completed.
Every state change is written to an immutable per-order audit log, and
every listing is scoped to what the acting user is allowed to see.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ORDERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting username")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(spareCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(serveCmd())
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	eng, conn, err := app.Open(ctx, workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, eng)
}

func actor() (string, error) {
	a := viper.GetString("actor")
	if a == "" {
		return "", fmt.Errorf("--actor required")
	}
	return a, nil
}

func orderCmd() *cobra.Command {
	c := &cobra.Command{Use: "order", Short: "Manage work orders"}
	c.AddCommand(orderCreateCmd())
	c.AddCommand(orderListCmd())
	c.AddCommand(orderSearchCmd())
	c.AddCommand(orderShowCmd())
	c.AddCommand(orderLogCmd())
	c.AddCommand(orderAssignCmd())
	c.AddCommand(orderCompleteCmd())
	c.AddCommand(orderAcceptCmd())
	c.AddCommand(orderUpdateCmd())
	return c
}

func orderCreateCmd() *cobra.Command {
	var orderType, title, desc, equipment, ship, plan string
	var spares []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			creator, err := actor()
			if err != nil {
				return err
			}
			lines, err := parseSpareLines(spares)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateWorkOrder(ctx, engine.WorkOrderCreateOptions{
					OrderType:     orderType,
					Title:         title,
					Description:   desc,
					EquipmentID:   equipment,
					ShipID:        ship,
					RelatedPlanID: plan,
					CreatorID:     creator,
					Spares:        lines,
				})
				if err != nil {
					return err
				}
				return printJSONOrOrders([]domain.WorkOrder{o})
			})
		},
	}
	cmd.Flags().StringVar(&orderType, "type", domain.TypeRoutineMaintenance, "order type (routine_maintenance|emergency_repair)")
	cmd.Flags().StringVar(&title, "title", "", "order title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&equipment, "equipment", "", "equipment id")
	cmd.Flags().StringVar(&ship, "ship", "", "ship id")
	cmd.Flags().StringVar(&plan, "plan", "", "related plan id")
	cmd.Flags().StringArrayVar(&spares, "spare", nil, "spare line as SPARE_ID:QTY, repeatable")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func orderListCmd() *cobra.Command {
	var search, mine string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var orders []domain.WorkOrder
				switch {
				case mine == "assignee":
					orders, err = e.Repo.ListWorkOrdersByAssignee(ctx, a)
				case mine == "acceptor":
					orders, err = e.Repo.ListWorkOrdersByAcceptor(ctx, a)
				case mine == "creator":
					orders, err = e.Repo.ListWorkOrdersByCreator(ctx, a)
				default:
					var scope repo.Scope
					scope, err = e.Access.Scope(ctx, a)
					if err != nil {
						return err
					}
					if search != "" {
						orders, err = e.Repo.SearchWorkOrdersByTitle(ctx, search, scope)
					} else {
						orders, err = e.Repo.ListWorkOrders(ctx, scope)
					}
				}
				if err != nil {
					return err
				}
				return printJSONOrOrders(orders)
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "title substring filter")
	cmd.Flags().StringVar(&mine, "mine", "", "restrict to own orders (creator|assignee|acceptor)")
	return cmd
}

func orderSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search KEYWORD",
		Short: "Search visible work orders by title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scope, err := e.Access.Scope(ctx, a)
				if err != nil {
					return err
				}
				orders, err := e.Repo.SearchWorkOrdersByTitle(ctx, args[0], scope)
				if err != nil {
					return err
				}
				return printJSONOrOrders(orders)
			})
		},
	}
	return cmd
}

func orderLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log ORDER_ID",
		Short: "Show the audit log for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Repo.ListLogsByOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrLogs(rows)
			})
		},
	}
	return cmd
}

func orderShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show ORDER_ID",
		Aliases: []string{"get"},
		Short:   "Show a work order",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	return cmd
}

func orderAssignCmd() *cobra.Command {
	var assignee, acceptor string
	cmd := &cobra.Command{
		Use:   "assign ORDER_ID",
		Short: "Assign an unassigned work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.AssignWorkOrder(ctx, args[0], assignee, acceptor, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrOrders([]domain.WorkOrder{o})
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee username (empty keeps order unassigned)")
	cmd.Flags().StringVar(&acceptor, "acceptor", "", "acceptor username")
	return cmd
}

func orderCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete ORDER_ID",
		Short: "Mark work finished, awaiting acceptance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CompleteWorkOrder(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrOrders([]domain.WorkOrder{o})
			})
		},
	}
	return cmd
}

func orderAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept ORDER_ID",
		Short: "Accept completed work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.AcceptWorkOrder(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrOrders([]domain.WorkOrder{o})
			})
		},
	}
	return cmd
}

func orderUpdateCmd() *cobra.Command {
	var orderType, title, desc, equipment, ship, plan string
	cmd := &cobra.Command{
		Use:   "update ORDER_ID",
		Short: "Edit work order fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				current, err := e.Repo.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				fields := repo.EditableFields{
					OrderType:     current.OrderType,
					Title:         current.Title,
					Description:   current.Description,
					EquipmentID:   current.EquipmentID,
					ShipID:        current.ShipID,
					RelatedPlanID: current.RelatedPlanID,
				}
				if cmd.Flags().Changed("type") {
					fields.OrderType = orderType
				}
				if cmd.Flags().Changed("title") {
					fields.Title = title
				}
				if cmd.Flags().Changed("description") {
					fields.Description = desc
				}
				if cmd.Flags().Changed("equipment") {
					fields.EquipmentID = equipment
				}
				if cmd.Flags().Changed("ship") {
					fields.ShipID = ship
				}
				if cmd.Flags().Changed("plan") {
					fields.RelatedPlanID = plan
				}
				o, err := e.UpdateWorkOrder(ctx, args[0], fields, a)
				if err != nil {
					return err
				}
				return printJSONOrOrders([]domain.WorkOrder{o})
			})
		},
	}
	cmd.Flags().StringVar(&orderType, "type", "", "order type")
	cmd.Flags().StringVar(&title, "title", "", "order title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&equipment, "equipment", "", "equipment id")
	cmd.Flags().StringVar(&ship, "ship", "", "ship id")
	cmd.Flags().StringVar(&plan, "plan", "", "related plan id")
	return cmd
}

func spareCmd() *cobra.Command {
	c := &cobra.Command{Use: "spare", Short: "Spare-part consumptions"}
	c.AddCommand(spareAddCmd())
	c.AddCommand(spareListCmd())
	return c
}

func spareAddCmd() *cobra.Command {
	var spares []string
	cmd := &cobra.Command{
		Use:   "add ORDER_ID",
		Short: "Record spare consumptions against an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			lines, err := parseSpareLines(spares)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.RecordConsumptions(ctx, args[0], lines, a)
				if err != nil {
					return err
				}
				return printJSONOrConsumptions(rows)
			})
		},
	}
	cmd.Flags().StringArrayVar(&spares, "spare", nil, "spare line as SPARE_ID:QTY, repeatable")
	_ = cmd.MarkFlagRequired("spare")
	return cmd
}

func spareListCmd() *cobra.Command {
	var orderID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List spare consumptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var rows []domain.SpareConsumption
				if orderID != "" {
					rows, err = e.Repo.ListConsumptionsByOrder(ctx, orderID)
				} else {
					var scope repo.Scope
					scope, err = e.Access.Scope(ctx, a)
					if err != nil {
						return err
					}
					rows, err = e.Repo.ListConsumptions(ctx, scope)
				}
				if err != nil {
					return err
				}
				return printJSONOrConsumptions(rows)
			})
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "restrict to one order")
	return cmd
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Audit log"}
	var orderID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var rows []domain.LogRecord
				if orderID != "" {
					rows, err = e.Repo.ListLogsByOrder(ctx, orderID)
				} else {
					var scope repo.Scope
					scope, err = e.Access.Scope(ctx, a)
					if err != nil {
						return err
					}
					rows, err = e.Repo.ListLogs(ctx, scope)
				}
				if err != nil {
					return err
				}
				return printJSONOrLogs(rows)
			})
		},
	}
	list.Flags().StringVar(&orderID, "order", "", "restrict to one order")
	c.AddCommand(list)
	return c
}

func userCmd() *cobra.Command {
	c := &cobra.Command{Use: "user", Short: "Manage users and permissions"}
	c.AddCommand(userRegisterCmd())
	c.AddCommand(userLoginCmd())
	c.AddCommand(userListCmd())
	c.AddCommand(userGrantCmd())
	c.AddCommand(userRoleCmd())
	c.AddCommand(userPermsCmd())
	return c
}

func userRegisterCmd() *cobra.Command {
	var password, email, display, role string
	cmd := &cobra.Command{
		Use:   "register USERNAME",
		Short: "Register a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RegisterUser(ctx, engine.UserRegisterOptions{
					Username:      args[0],
					Password:      password,
					Email:         email,
					DisplayName:   display,
					WorkOrderRole: role,
				})
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&display, "display-name", "", "display name")
	cmd.Flags().StringVar(&role, "role", domain.RoleNone, "work-order role (none|dispatcher|executor|inspector)")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userLoginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login USERNAME",
		Short: "Verify credentials and show effective permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Authenticate(ctx, args[0], password)
				if err != nil {
					return err
				}
				perms, err := e.Access.FunctionPermissions(ctx, u.Username)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"username":        u.Username,
					"role_type":       u.RoleType,
					"work_order_role": u.WorkOrderRole,
					"function_ids":    perms,
				})
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Username", "Role Type", "Work-Order Role", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.Username, u.RoleType, u.WorkOrderRole, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userGrantCmd() *cobra.Command {
	var functions []int
	cmd := &cobra.Command{
		Use:   "grant USERNAME",
		Short: "Replace a user's function permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Access.SetFunctionPermissions(ctx, args[0], functions); err != nil {
					return err
				}
				perms, err := e.Access.FunctionPermissions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"username": args[0], "function_ids": perms})
			})
		},
	}
	cmd.Flags().IntSliceVar(&functions, "function", nil, "function id (1-5), repeatable; empty revokes all")
	return cmd
}

func userRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role USERNAME ROLE",
		Short: "Set a user's work-order role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetWorkOrderRole(ctx, args[0], args[1]); err != nil {
					return err
				}
				u, err := e.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	return cmd
}

func userPermsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "perms USERNAME",
		Short: "Show a user's effective function permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				perms, err := e.Access.FunctionPermissions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"username": args[0], "function_ids": perms})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Function ID", "Name"})
				for _, id := range perms {
					name := ""
					if f, ok := e.Config.Functions.Catalog[id]; ok {
						name = f.Name
					}
					tw.AppendRow(table.Row{id, name})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("ORDERLINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("ORDERLINE_JWT_SECRET is required for bearer auth")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Orderline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func parseSpareLines(raw []string) ([]engine.SpareLine, error) {
	lines := make([]engine.SpareLine, 0, len(raw))
	for _, s := range raw {
		id, qtyStr, found := strings.Cut(s, ":")
		if !found || id == "" {
			return nil, fmt.Errorf("invalid spare line %q, want SPARE_ID:QTY", s)
		}
		var qty int
		if _, err := fmt.Sscanf(qtyStr, "%d", &qty); err != nil {
			return nil, fmt.Errorf("invalid quantity in spare line %q", s)
		}
		lines = append(lines, engine.SpareLine{SpareID: id, Quantity: qty})
	}
	return lines, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrOrders(orders []domain.WorkOrder) error {
	if viper.GetBool("json") {
		return printJSON(orders)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Order ID", "Type", "Title", "Status", "Creator", "Assignee", "Acceptor"})
	for _, o := range orders {
		assignee := ""
		if o.AssigneeID != nil {
			assignee = *o.AssigneeID
		}
		acceptor := ""
		if o.AcceptorID != nil {
			acceptor = *o.AcceptorID
		}
		tw.AppendRow(table.Row{o.OrderID, o.OrderType, o.Title, o.Status, o.CreatorID, assignee, acceptor})
	}
	tw.Render()
	return nil
}

func printJSONOrLogs(rows []domain.LogRecord) error {
	if viper.GetBool("json") {
		return printJSON(rows)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Log ID", "Order", "Operation", "Operator", "Time", "Content"})
	for _, l := range rows {
		tw.AppendRow(table.Row{l.LogID, l.OrderID, l.OperationType, l.OperatorID, l.OperateTime, l.Content})
	}
	tw.Render()
	return nil
}

func printJSONOrConsumptions(rows []domain.SpareConsumption) error {
	if viper.GetBool("json") {
		return printJSON(rows)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Consume ID", "Order", "Spare", "Qty", "Operator", "Time"})
	for _, c := range rows {
		tw.AppendRow(table.Row{c.ConsumeID, c.OrderID, c.SpareID, c.Quantity, c.OperatorID, c.ConsumeTime})
	}
	tw.Render()
	return nil
}
