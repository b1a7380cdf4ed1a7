package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"serotonyl.ru/points-ledger/internal/app"
	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/features/points"
	"serotonyl.ru/points-ledger/internal/features/shop"
	"serotonyl.ru/points-ledger/internal/features/tags"
)

func userFlag() cli.Flag {
	return &cli.Int64Flag{Name: "user", Aliases: []string{"u"}, Usage: "id пользователя", Required: true}
}

func commandMigrate() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "применить миграции схемы",
		Action: func(c *cli.Context) error {
			// Миграции применяются при сборке App
			return withApp(c, func(context.Context, *app.App) error {
				fmt.Println("Миграции применены")
				return nil
			})
		},
	}
}

func commandTag() *cli.Command {
	return &cli.Command{
		Name:  "tag",
		Usage: "управление тегами",
		Subcommands: []*cli.Command{
			{
				Name: "create",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "slug"},
					&cli.StringFlag{Name: "description"},
					&cli.BoolFlag{Name: "default", Usage: "участвует во втором уровне списания"},
				},
				Action: func(c *cli.Context) error {
					return withApp(c, func(ctx context.Context, a *app.App) error {
						tag, err := a.Tags.Create(ctx, tags.Spec{
							Name:        c.String("name"),
							Slug:        c.String("slug"),
							Description: c.String("description"),
							IsDefault:   c.Bool("default"),
						})
						if err != nil {
							return err
						}
						fmt.Printf("Тег #%d %q (slug %q) создан\n", tag.ID, tag.Name, tag.Slug)
						return nil
					})
				},
			},
			{
				Name: "list",
				Action: func(c *cli.Context) error {
					return withApp(c, func(ctx context.Context, a *app.App) error {
						list, err := a.Tags.List(ctx)
						if err != nil {
							return err
						}
						for _, t := range list {
							mark := ""
							if t.IsDefault {
								mark = " [по умолчанию]"
							}
							fmt.Printf("#%d %s (%s)%s\n", t.ID, t.Name, t.Slug, mark)
						}
						return nil
					})
				},
			},
		},
	}
}

func commandGrant() *cli.Command {
	return &cli.Command{
		Name:  "grant",
		Usage: "начислить баллы",
		Flags: []cli.Flag{
			userFlag(),
			&cli.Int64Flag{Name: "points", Aliases: []string{"p"}, Required: true},
			&cli.StringFlag{Name: "description", Aliases: []string{"d"}},
			&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}},
			&cli.BoolFlag{Name: "withdrawable"},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *app.App) error {
				var opts []points.GrantOption
				if c.Bool("withdrawable") {
					opts = append(opts, points.Withdrawable())
				}
				src, err := a.Points.Grant(ctx, c.Int64("user"), c.Int64("points"), c.String("description"), c.StringSlice("tag"), opts...)
				if err != nil {
					return err
				}
				fmt.Printf("Начислено %s (источник #%d)\n", common.FormatPoints(src.InitialPoints), src.ID)
				return nil
			})
		},
	}
}

func commandSpend() *cli.Command {
	return &cli.Command{
		Name:  "spend",
		Usage: "списать баллы",
		Flags: []cli.Flag{
			userFlag(),
			&cli.Int64Flag{Name: "amount", Aliases: []string{"a"}, Required: true},
			&cli.StringFlag{Name: "description", Aliases: []string{"d"}},
			&cli.StringFlag{Name: "priority", Usage: "имя приоритетного тега"},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *app.App) error {
				tx, err := a.Points.Spend(ctx, c.Int64("user"), c.Int64("amount"), c.String("description"), c.String("priority"))
				if err != nil {
					return err
				}
				fmt.Printf("Списано %s из источников %v\n", common.FormatPoints(-tx.Points), tx.ConsumedSourceIDs)
				return nil
			})
		},
	}
}

func commandBalance() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "баланс пользователя, по тегам и активные источники",
		Flags: []cli.Flag{userFlag()},
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *app.App) error {
				userID := c.Int64("user")
				total, err := a.Points.Balance(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Printf("Баланс: %s\n", common.FormatPoints(total))

				byTag, err := a.Points.BalanceByTag(ctx, userID)
				if err != nil {
					return err
				}
				for _, b := range byTag {
					fmt.Printf("  %s: %s\n", b.Name, common.FormatPoints(b.Points))
				}

				sources, err := a.Points.ActiveSources(ctx, userID)
				if err != nil {
					return err
				}
				loc := a.Config.Location()
				for _, s := range sources {
					names := make([]string, 0, len(s.Tags))
					for _, t := range s.Tags {
						names = append(names, t.Name)
					}
					fmt.Printf("  #%d %d/%d [%s] %s\n", s.ID, s.RemainingPoints, s.InitialPoints,
						strings.Join(names, ", "), common.FormatDateTime(s.CreatedAt, loc))
				}
				return nil
			})
		},
	}
}

func commandHistory() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "журнал транзакций пользователя",
		Flags: []cli.Flag{
			userFlag(),
			&cli.IntFlag{Name: "page", Value: 1},
			&cli.IntFlag{Name: "size", Usage: "по умолчанию HISTORY_PAGE_SIZE"},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *app.App) error {
				size := c.Int("size")
				if size <= 0 {
					size = a.Config.HistoryPageSize
				}
				page, err := a.Points.History(ctx, c.Int64("user"), c.Int("page"), size)
				if err != nil {
					return err
				}
				loc := a.Config.Location()
				fmt.Printf("Страница %d из %d (всего %d)\n", page.Page, page.TotalPages, page.Total)
				for _, t := range page.Items {
					fmt.Printf("%s  %-5s %s  %s\n", common.FormatDateTime(t.CreatedAt, loc), t.Type,
						common.FormatPointsDelta(t.Points), t.Description)
				}
				return nil
			})
		},
	}
}

func commandItem() *cli.Command {
	return &cli.Command{
		Name:  "item",
		Usage: "товары магазина",
		Subcommands: []*cli.Command{
			{
				Name: "create",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "description"},
					&cli.Int64Flag{Name: "cost", Required: true},
					&cli.Int64Flag{Name: "stock", Usage: "не задан — без ограничения"},
					&cli.BoolFlag{Name: "inactive"},
					&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}, Usage: "первый — приоритетный"},
				},
				Action: func(c *cli.Context) error {
					return withApp(c, func(ctx context.Context, a *app.App) error {
						spec := shop.ItemSpec{
							Name:        c.String("name"),
							Description: c.String("description"),
							Cost:        c.Int64("cost"),
							IsActive:    !c.Bool("inactive"),
							AllowedTags: c.StringSlice("tag"),
						}
						if c.IsSet("stock") {
							stock := c.Int64("stock")
							spec.Stock = &stock
						}
						item, err := a.Shop.CreateItem(ctx, spec)
						if err != nil {
							return err
						}
						fmt.Printf("Товар #%d %q за %s создан\n", item.ID, item.Name, common.FormatPoints(item.Cost))
						return nil
					})
				},
			},
			{
				Name:  "list",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "active", Usage: "только активные"}},
				Action: func(c *cli.Context) error {
					return withApp(c, func(ctx context.Context, a *app.App) error {
						items, err := a.Shop.ListItems(ctx, c.Bool("active"))
						if err != nil {
							return err
						}
						for _, it := range items {
							stock := "∞"
							if it.Stock != nil {
								stock = fmt.Sprint(*it.Stock)
							}
							state := ""
							if !it.IsActive {
								state = " [неактивен]"
							}
							fmt.Printf("#%d %s — %s, остаток %s%s\n", it.ID, it.Name, common.FormatPoints(it.Cost), stock, state)
						}
						return nil
					})
				},
			},
		},
	}
}

func commandRedeem() *cli.Command {
	return &cli.Command{
		Name:  "redeem",
		Usage: "выкупить товар за баллы",
		Flags: []cli.Flag{
			userFlag(),
			&cli.Int64Flag{Name: "item", Aliases: []string{"i"}, Required: true},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *app.App) error {
				red, err := a.Shop.Redeem(ctx, c.Int64("user"), c.Int64("item"))
				if err != nil {
					return err
				}
				fmt.Printf("Выкуп #%d: %s за %s\n", red.ID, red.ItemName, common.FormatPoints(red.PointsCost))
				return nil
			})
		},
	}
}

func commandReconcile() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "сверить остатки источников с журналом",
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *app.App) error {
				found, err := a.Points.Reconcile(ctx)
				if err != nil {
					return err
				}
				if len(found) == 0 {
					fmt.Println("Расхождений нет")
					return nil
				}
				for _, d := range found {
					fmt.Printf("%s: user=%d source=%d ожидалось %d, фактически %d\n",
						d.Kind, d.UserID, d.SourceID, d.Expected, d.Actual)
				}
				return fmt.Errorf("найдено расхождений: %d", len(found))
			})
		},
	}
}
