// Package shell implements the optional interactive CLI spec.md §6
// names ("Shell CLI (optional collaborator)"): a line of whitespace-
// delimited tokens in, a textual response out. original_source's own
// shells (`src/shell.rs`, `src/apps/shell.rs`) are GUI-console programs
// with a window manager, a text editor widget and a full DNS/HTTP
// client behind them; none of that survives here — Non-goals exclude
// the GUI widget set and the HTTP-client internals, so this package is
// the thin dispatcher spec.md §6 actually asks for, wired directly to
// internal/fs and internal/net rather than to a windowing system.
package shell

import (
	"fmt"
	"io"
	"strings"

	"vkernel/internal/fs"
	"vkernel/internal/net"
)

// FileSystem is the subset of *fs.FS the shell's file commands need.
// Declaring it here (rather than taking *fs.FS directly) keeps this
// package testable against a fake without dragging in a real
// BlockDevice, the same narrowing internal/fs itself draws around
// BlockDevice for internal/virtio.Block.
type FileSystem interface {
	ListFiles() []fs.DirEntry
	CreateFile(name string, sizeBytes uint32) error
	WriteFile(name string, data []byte) error
	ReadFile(name string, buf []byte) (int, error)
	DeleteFile(name string) error
	RenameFile(oldName, newName string) error
}

// Network is the subset of internal/net.Stack the shell's network
// commands need, narrowed the same way FileSystem is.
type Network interface {
	Ping(dev net.Device, target net.IPv4Addr) (net.PingResult, error)
}

// Shell dispatches one command line at a time. Everything it writes
// goes to Out; kernel.go wires that to a UART-backed writer, tests wire
// it to a bytes.Buffer.
type Shell struct {
	FS  FileSystem
	Net Network
	Dev net.Device

	LocalMAC net.MAC
	LocalIP  net.IPv4Addr
	Gateway  net.IPv4Addr

	Out io.Writer
}

func (s *Shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.Out, format, args...)
}

// Run parses one line and dispatches it. Unknown tokens print a usage
// message and return, per spec.md §6's own wording: "unknown tokens
// print a usage message and return." An empty line prints nothing.
func (s *Shell) Run(line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "ls":
		s.cmdLs()
	case "cat":
		s.cmdCat(parts)
	case "create":
		s.cmdCreate(parts)
	case "rm":
		s.cmdRm(parts)
	case "rename":
		s.cmdRename(parts)
	case "write":
		s.cmdWrite(parts)
	case "edit":
		s.cmdEdit(parts)
	case "clear":
		s.cmdClear()
	case "help":
		s.cmdHelp()
	case "ifconfig":
		s.cmdIfconfig()
	case "ping":
		s.cmdPing(parts)
	case "nslookup":
		s.cmdNslookup(parts)
	case "http":
		s.cmdHttp(parts)
	default:
		s.printf("unknown command %q; try 'help'\r\n", parts[0])
	}
}

func (s *Shell) cmdLs() {
	if s.FS == nil {
		s.printf("filesystem not mounted\r\n")
		return
	}
	for _, e := range s.FS.ListFiles() {
		s.printf("%-32s %8d bytes\r\n", e.Name, e.SizeBytes)
	}
}

func (s *Shell) cmdCat(parts []string) {
	if len(parts) < 2 {
		s.printf("usage: cat <f>\r\n")
		return
	}
	data, err := s.readWholeFile(parts[1])
	if err != nil {
		s.printf("cat: %v\r\n", err)
		return
	}
	s.Out.Write(data)
	s.printf("\r\n")
}

func (s *Shell) cmdCreate(parts []string) {
	if len(parts) < 3 {
		s.printf("usage: create <f> <n>\r\n")
		return
	}
	n, ok := parseUint(parts[2])
	if !ok {
		s.printf("create: %q is not a valid size\r\n", parts[2])
		return
	}
	if s.FS == nil {
		s.printf("filesystem not mounted\r\n")
		return
	}
	if err := s.FS.CreateFile(parts[1], uint32(n)); err != nil {
		s.printf("create: %v\r\n", err)
		return
	}
	s.printf("created %s (%d bytes)\r\n", parts[1], n)
}

func (s *Shell) cmdRm(parts []string) {
	if len(parts) < 2 {
		s.printf("usage: rm <f>\r\n")
		return
	}
	if s.FS == nil {
		s.printf("filesystem not mounted\r\n")
		return
	}
	if err := s.FS.DeleteFile(parts[1]); err != nil {
		s.printf("rm: %v\r\n", err)
		return
	}
	s.printf("removed %s\r\n", parts[1])
}

func (s *Shell) cmdRename(parts []string) {
	if len(parts) < 3 {
		s.printf("usage: rename <a> <b>\r\n")
		return
	}
	if s.FS == nil {
		s.printf("filesystem not mounted\r\n")
		return
	}
	if err := s.FS.RenameFile(parts[1], parts[2]); err != nil {
		s.printf("rename: %v\r\n", err)
		return
	}
	s.printf("renamed %s to %s\r\n", parts[1], parts[2])
}

func (s *Shell) cmdWrite(parts []string) {
	if len(parts) < 3 {
		s.printf("usage: write <f> <text...>\r\n")
		return
	}
	if s.FS == nil {
		s.printf("filesystem not mounted\r\n")
		return
	}
	text := strings.Join(parts[2:], " ")
	if err := s.FS.WriteFile(parts[1], []byte(text)); err != nil {
		s.printf("write: %v\r\n", err)
		return
	}
	s.printf("wrote %d bytes to %s\r\n", len(text), parts[1])
}

// cmdEdit has no editor widget behind it (spec.md's GUI text editor is
// out of scope here): it shows the file's current content and points
// at `write` as the way to replace it, which is the only mutation path
// this build actually has.
func (s *Shell) cmdEdit(parts []string) {
	if len(parts) < 2 {
		s.printf("usage: edit <f>\r\n")
		return
	}
	data, err := s.readWholeFile(parts[1])
	if err != nil {
		s.printf("edit: %v\r\n", err)
		return
	}
	s.printf("--- %s ---\r\n", parts[1])
	s.Out.Write(data)
	s.printf("\r\n--- end ---\r\n")
	s.printf("no editor widget in this build; use 'write %s <text...>' to replace contents\r\n", parts[1])
}

func (s *Shell) cmdClear() {
	s.printf("\x1b[2J\x1b[H")
}

func (s *Shell) cmdHelp() {
	s.printf("commands: ls cat create rm rename write edit clear help ifconfig ping nslookup http\r\n")
}

// cmdIfconfig reports the single interface's MAC and statically
// configured IPv4 address (spec.md §6 "Network" — "no DHCP").
func (s *Shell) cmdIfconfig() {
	if s.Dev == nil {
		s.printf("no network device present\r\n")
		return
	}
	s.printf("eth0:\r\n")
	s.printf("  MAC: %s\r\n", s.LocalMAC)
	s.printf("  IP: %s\r\n", s.LocalIP)
	s.printf("  Gateway: %s\r\n", s.Gateway)
}

func (s *Shell) cmdPing(parts []string) {
	if len(parts) < 2 {
		s.printf("usage: ping <ip>\r\n")
		return
	}
	target, ok := net.ParseIPv4(parts[1])
	if !ok {
		s.printf("ping: %q is not a valid IPv4 address\r\n", parts[1])
		return
	}
	if s.Net == nil || s.Dev == nil {
		s.printf("no network device present\r\n")
		return
	}
	s.printf("PING %s\r\n", target)
	result, err := s.Net.Ping(s.Dev, target)
	if err != nil {
		s.printf("ping: %v\r\n", err)
		return
	}
	s.printf("reply from %s: seq=%d\r\n", result.ReplyFrom, result.Seq)
}

// cmdNslookup and cmdHttp parse their arguments and report the command
// honestly rather than faking an answer: DNS resolution and an HTTP
// client are both application-layer protocols on top of UDP/TCP, which
// is the "networking beyond a single Ethernet interface with one IPv4
// address" spec.md's Non-goals explicitly exclude (no UDP or TCP
// front-end exists for them to run over). The command still validates
// its own arguments so the usage-message contract holds.
func (s *Shell) cmdNslookup(parts []string) {
	if len(parts) < 2 {
		s.printf("usage: nslookup <domain>\r\n")
		return
	}
	s.printf("nslookup: DNS resolution requires networking beyond this build's single Ethernet interface\r\n")
}

func (s *Shell) cmdHttp(parts []string) {
	if len(parts) < 2 {
		s.printf("usage: http <url>\r\n")
		return
	}
	s.printf("http: an HTTP client requires networking beyond this build's single Ethernet interface\r\n")
}

func (s *Shell) readWholeFile(name string) ([]byte, error) {
	if s.FS == nil {
		return nil, fmt.Errorf("filesystem not mounted")
	}
	var size uint32
	for _, e := range s.FS.ListFiles() {
		if e.Name == name {
			size = e.SizeBytes
			break
		}
	}
	buf := make([]byte, size)
	n, err := s.FS.ReadFile(name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func parseUint(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}
