package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"callbridge/client"
	"callbridge/config"
	"callbridge/demo/calculator"
	"callbridge/loadbalance"
	"callbridge/registry"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func callCommand() *cli.Command {
	return &cli.Command{
		Name:  "call",
		Usage: "call the calculator demo on a host",
		Description: `Operations:
	add A B, divide A B, fib N, square N, echo TEXT, id, load WORD..., remove

	The host is found through etcd when --etcd is given, otherwise --addr is dialed directly.`,
		ArgsUsage: "OPERATION [ARGS...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   "127.0.0.1:7000",
				Usage:   "host address, a ws:// url selects the websocket transport",
				EnvVars: []string{"CALLBRIDGE_ADDR"},
			},
			&cli.StringFlag{
				Name:  "codec",
				Usage: "wire codec, json or binary; must match the host",
			},
			&cli.StringSliceFlag{
				Name:     "etcd",
				Usage:    "etcd endpoints to discover hosts from",
				Category: "Registry Options",
			},
			&cli.StringFlag{
				Name:     "balancer",
				Usage:    "how to pick among discovered hosts: roundrobin, random or hash",
				Category: "Registry Options",
			},
		},
		Action: cmdCall,
	}
}

func cmdCall(ctx *cli.Context) error {
	logger, err := loggerFrom(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() == 0 {
		return cli.ShowSubcommandHelp(ctx)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	reg, closeRegistry, err := callRegistry(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	bal, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return err
	}
	c := client.NewClient(reg, bal,
		client.WithClientLogger(logger),
		client.WithCodec(cfg.CodecType()),
		client.WithHeartbeat(cfg.Heartbeat),
		client.WithDialRetry(3, 200*time.Millisecond))
	defer c.Close()

	ic, err := c.Interceptor(ctx.Context, calculator.CalculatorType.Name())
	if err != nil {
		return err
	}
	out, err := run(calculator.NewClient(ic), ctx.Args().First(), ctx.Args().Tail())
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, out)
	return nil
}

// callRegistry is etcd when configured, otherwise a registry holding only --addr.
func callRegistry(ctx *cli.Context, logger *zap.Logger, cfg *config.Config) (registry.Registry, func(), error) {
	if len(cfg.Etcd) > 0 {
		etcd, err := registry.NewEtcd(logger, cfg.Etcd)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connecting to etcd")
		}
		return etcd, func() { etcd.Close() }, nil
	}

	addr := ctx.String("addr")
	instance := registry.Instance{Addr: addr, Network: registry.NetworkTCP}
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		instance.Network = registry.NetworkWebSocket
	}
	mem := registry.NewMemory()
	for _, contract := range calculator.Contracts {
		if err := mem.Register(ctx.Context, contract.Name(), instance, 0); err != nil {
			return nil, nil, err
		}
	}
	return mem, func() {}, nil
}

func run(calc *calculator.Client, op string, args []string) (string, error) {
	want := func(n int) error {
		if len(args) != n {
			return errors.Errorf("%s takes %d argument(s), got %d", op, n, len(args))
		}
		return nil
	}

	switch op {
	case "add":
		if err := want(2); err != nil {
			return "", err
		}
		a, b, err := ints(args)
		if err != nil {
			return "", err
		}
		sum, err := calc.Add(a, b)
		return strconv.Itoa(sum), err
	case "divide":
		if err := want(2); err != nil {
			return "", err
		}
		a, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return "", err
		}
		b, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return "", err
		}
		q, err := calc.Divide(a, b)
		return strconv.FormatFloat(q, 'g', -1, 64), err
	case "fib":
		if err := want(1); err != nil {
			return "", err
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return "", err
		}
		var seq []string
		_, err = calc.Fibonacci(n, func(_ int, v int64) bool {
			seq = append(seq, strconv.FormatInt(v, 10))
			return true
		})
		return strings.Join(seq, " "), err
	case "square":
		if err := want(1); err != nil {
			return "", err
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return "", err
		}
		sq, err := calc.Square(n).Get()
		return strconv.Itoa(sq), err
	case "echo":
		text, err := calc.Echo(strings.Join(args, " "))
		return text, err
	case "id":
		id, err := calc.GetID()
		return strconv.Itoa(id), err
	case "load":
		for _, word := range args {
			if _, err := calc.LoadIt(word).Get(); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("loaded %d", len(args)), nil
	case "remove":
		return calc.RemoveIt()
	default:
		return "", errors.Errorf("unknown operation %q", op)
	}
}

func ints(args []string) (int, int, error) {
	a, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
