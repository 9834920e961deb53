// Package kfmt is the kernel-side formatter/logger. It follows the
// teacher's own uartPuts/uartPutHex64/uartPutUint32 family (kernel.go,
// uart_qemu.go): no fmt package, no heap allocation on the hot path,
// byte-at-a-time output through a pluggable Sink so the same code logs to
// a real PL011 UART on hardware and to a bytes.Buffer in unit tests.
package kfmt

// Sink is anything that can accept one output byte at a time. The
// hardware implementation (kernel.go's uartSink) busy-waits on
// the PL011 flag register before each write, exactly as uartPutc does;
// the test implementation is just an in-memory buffer.
type Sink interface {
	PutByte(b byte)
}

var sink Sink

// SetSink installs the output sink. Called once during early boot
// (before trap.Init) so that every subsystem's log lines land
// on the console from the very first line.
func SetSink(s Sink) { sink = s }

// Halt is invoked by Fatal after the message is flushed. It defaults to
// a spin loop (the teacher's own "System halted\r\n" + `for {}` pattern
// in exceptions.go); boot code may override it (e.g. to call a real
// `wfe`-spinning assembly halt) before the first Fatal can fire.
var Halt = func() { for {} }

func putc(c byte) {
	if sink != nil {
		sink.PutByte(c)
	}
}

// Puts writes a raw string, unbuffered, one byte at a time.
func Puts(s string) {
	for i := 0; i < len(s); i++ {
		putc(s[i])
	}
}

// uitoa converts n to decimal into buf and returns the digit count.
// Bare-metal implementation, no fmt — mirrors kernel.go's uitoa.
func uitoa(n uint64, buf []byte) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}
	digits := 0
	for tmp := n; tmp > 0; tmp /= 10 {
		digits++
	}
	idx := digits - 1
	for n > 0 {
		buf[idx] = byte('0' + n%10)
		n /= 10
		idx--
	}
	return digits
}

// PutDec writes n in decimal.
func PutDec(n uint64) {
	var buf [20]byte
	count := uitoa(n, buf[:])
	for i := 0; i < count; i++ {
		putc(buf[i])
	}
}

var hexDigits = [16]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'A', 'B', 'C', 'D', 'E', 'F'}

// PutHex64 writes v as 16 hex digits, zero-padded — mirrors kernel.go's
// uartPutHex64.
func PutHex64(v uint64) {
	for shift := 60; shift >= 0; shift -= 4 {
		putc(hexDigits[(v>>uint(shift))&0xF])
	}
}

// PutHex8 writes v as 2 hex digits.
func PutHex8(v uint8) {
	putc(hexDigits[v>>4])
	putc(hexDigits[v&0xF])
}

func newline() { Puts("\r\n") }

// Info logs an informational line: "[INFO] <msg>\r\n".
func Info(msg string) { Puts("[INFO] "); Puts(msg); newline() }

// Warn logs a warning line.
func Warn(msg string) { Puts("[WARN] "); Puts(msg); newline() }

// Fatal logs an unrecoverable error and halts, per §7's propagation
// policy: "the system prints a diagnostic over UART and halts".
func Fatal(msg string) {
	Puts("[FATAL] ")
	Puts(msg)
	newline()
	Halt()
}
