// peerctl: command-line client for the peerd admin endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"dev.c0redev.peerrpc/internal/admin"
	"dev.c0redev.peerrpc/internal/rpc"
)

const usage = `usage: peerctl [flags] <command> [args]

commands:
  status                         node status and queue depths
  peers                          members with handshake state
  routes                         registered RPC handlers
  name <peer>                    word identity of a peer id
  handshake <peer>               start key negotiation
  send <module> <method> [json args...]
                                 call a method (module: number or name)
  ping <peer>                    call peerd.ping Ping on a peer
  data <key> [peer]              read etcd metadata (group key without peer)
  set-data <key> <value>         write metadata (-peer self for our own key)
  hash-token <token>             bcrypt hash for admin.token_hash
`

func main() {
	addr := flag.String("addr", envOr("PEERRPC_ADMIN_URL", "http://127.0.0.1:7402"), "admin base URL")
	token := flag.String("token", os.Getenv("PEERRPC_ADMIN_TOKEN"), "admin bearer token")
	to := flag.String("peer", "", "send: target peer id, \"host\", or empty for all; set-data: \"self\"")
	reliable := flag.Bool("reliable", true, "send: request acks")
	priority := flag.String("priority", "", "send: high, normal or low")
	mask := flag.Int("mask", 0, "send: handler mask")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := admin.NewClient(*addr, *token)

	var reply any
	var err error
	switch cmd := args[0]; cmd {
	case "status":
		reply, err = call[admin.StatusReply](ctx, c, "Admin.Status", &admin.Empty{})
	case "peers":
		reply, err = call[admin.PeersReply](ctx, c, "Admin.Peers", &admin.Empty{})
	case "routes":
		reply, err = call[admin.RoutesReply](ctx, c, "Admin.Routes", &admin.Empty{})
	case "name", "handshake", "ping":
		if len(args) != 2 {
			fail("%s needs a peer id", cmd)
		}
		switch cmd {
		case "name":
			reply, err = call[admin.NameReply](ctx, c, "Admin.Name", &admin.PeerArgs{Peer: args[1]})
		case "handshake":
			reply, err = call[admin.HandshakeReply](ctx, c, "Admin.Handshake", &admin.PeerArgs{Peer: args[1]})
		default:
			stamp, _ := json.Marshal(time.Now().UnixNano())
			reply, err = call[admin.SendReply](ctx, c, "Admin.Send", &admin.SendArgs{
				Peer:     args[1],
				Module:   rpc.StringID("peerd.ping"),
				Method:   "Ping",
				Reliable: true,
				Args:     []json.RawMessage{stamp},
			})
		}
	case "send":
		if len(args) < 3 {
			fail("send needs <module> <method>")
		}
		sa := &admin.SendArgs{
			Peer:     *to,
			Module:   moduleID(args[1]),
			Method:   args[2],
			Mask:     int32(*mask),
			Reliable: *reliable,
			Priority: *priority,
		}
		for _, a := range args[3:] {
			if !json.Valid([]byte(a)) {
				fail("argument %q is not JSON", a)
			}
			sa.Args = append(sa.Args, json.RawMessage(a))
		}
		reply, err = call[admin.SendReply](ctx, c, "Admin.Send", sa)
	case "data":
		if len(args) < 2 || len(args) > 3 {
			fail("data needs <key> [peer]")
		}
		da := &admin.DataArgs{Key: args[1]}
		if len(args) == 3 {
			da.Peer = args[2]
		}
		reply, err = call[admin.DataReply](ctx, c, "Admin.GetData", da)
	case "set-data":
		if len(args) != 3 {
			fail("set-data needs <key> <value>")
		}
		reply, err = call[admin.Empty](ctx, c, "Admin.SetData", &admin.DataArgs{Peer: *to, Key: args[1], Value: args[2]})
	case "hash-token":
		if len(args) != 2 {
			fail("hash-token needs a token")
		}
		h, herr := admin.HashToken(args[1])
		if herr != nil {
			fail("%v", herr)
		}
		fmt.Println(h)
		return
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fail("%v", err)
	}
	out, _ := json.MarshalIndent(reply, "", "  ")
	fmt.Println(string(out))
}

func call[R any](ctx context.Context, c *admin.Client, method string, args any) (*R, error) {
	var r R
	if err := c.Call(ctx, method, args, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// moduleID numeric ids pass through, anything else is hashed like rpc.StringID.
func moduleID(s string) uint32 {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n)
	}
	return rpc.StringID(s)
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "peerctl: "+format+"\n", a...)
	os.Exit(1)
}
