// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package rpctype

import (
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/log"
)

type RPCServer struct {
	ln net.Listener
	s  *rpc.Server

	mu     sync.Mutex
	conns  map[net.Conn]bool
	closed bool
}

func NewRPCServer(addr, name string, receiver interface{}) (*RPCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %v: %w", addr, err)
	}
	s := rpc.NewServer()
	if err := s.RegisterName(name, receiver); err != nil {
		ln.Close()
		return nil, err
	}
	serv := &RPCServer{
		ln:    ln,
		s:     s,
		conns: make(map[net.Conn]bool),
	}
	return serv, nil
}

// Serve accepts connections until Close is called.
func (serv *RPCServer) Serve() {
	for {
		conn, err := serv.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Logf(0, "failed to accept an rpc connection: %v", err)
			continue
		}
		if !serv.track(conn, true) {
			conn.Close()
			return
		}
		setupKeepAlive(conn, time.Minute)
		go func() {
			serv.s.ServeConn(newFlateConn(conn))
			serv.track(conn, false)
		}()
	}
}

func (serv *RPCServer) track(conn net.Conn, add bool) bool {
	serv.mu.Lock()
	defer serv.mu.Unlock()
	if add {
		if serv.closed {
			return false
		}
		serv.conns[conn] = true
	} else {
		delete(serv.conns, conn)
	}
	return true
}

func (serv *RPCServer) Addr() net.Addr {
	return serv.ln.Addr()
}

// Close stops accepting connections and drops the active ones.
func (serv *RPCServer) Close() error {
	serv.mu.Lock()
	serv.closed = true
	for conn := range serv.conns {
		conn.Close()
	}
	serv.mu.Unlock()
	return serv.ln.Close()
}

type RPCClient struct {
	conn    net.Conn
	c       *rpc.Client
	timeout time.Duration
}

const DefaultTimeout = 30 * time.Second

func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("bad rpc timeout %v", timeout)
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	setupKeepAlive(conn, time.Minute)
	return conn, nil
}

func NewRPCClient(addr string, timeout time.Duration) (*RPCClient, error) {
	conn, err := Dial(addr, timeout)
	if err != nil {
		return nil, err
	}
	cli := &RPCClient{
		conn:    conn,
		c:       rpc.NewClient(newFlateConn(conn)),
		timeout: timeout,
	}
	return cli, nil
}

func (cli *RPCClient) Call(method string, args, reply interface{}) error {
	cli.conn.SetDeadline(time.Now().Add(cli.timeout))
	defer cli.conn.SetDeadline(time.Time{})
	return cli.c.Call(method, args, reply)
}

func (cli *RPCClient) Close() {
	cli.c.Close()
}

func RPCCall(addr string, timeout time.Duration, method string, args, reply interface{}) error {
	c, err := NewRPCClient(addr, timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(method, args, reply)
}

func setupKeepAlive(conn net.Conn, keepAlive time.Duration) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(keepAlive)
	}
}

// flateConn wraps net.Conn in flate.Reader/Writer for compressed traffic.
type flateConn struct {
	r io.ReadCloser
	w *flate.Writer
	c io.Closer
}

func newFlateConn(conn io.ReadWriteCloser) io.ReadWriteCloser {
	w, err := flate.NewWriter(conn, flate.BestSpeed)
	if err != nil {
		panic(err)
	}
	return &flateConn{
		r: flate.NewReader(conn),
		w: w,
		c: conn,
	}
}

func (fc *flateConn) Read(data []byte) (int, error) {
	return fc.r.Read(data)
}

func (fc *flateConn) Write(data []byte) (int, error) {
	n, err := fc.w.Write(data)
	if err != nil {
		return n, err
	}
	if err := fc.w.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

func (fc *flateConn) Close() error {
	var err0 error
	if err := fc.r.Close(); err != nil {
		err0 = err
	}
	if err := fc.w.Close(); err != nil {
		err0 = err
	}
	if err := fc.c.Close(); err != nil {
		err0 = err
	}
	return err0
}
