package main

// main is never called: boot_arm64.s branches straight to kernelEntry
// before any Go runtime initialization would normally run main.main,
// the same "dummy main() ... never called - boot.s calls KernelMain
// directly" pattern the teacher's own src/kernel.go and
// src/go/mazarin/kernel.go carry for their RPi targets. It exists
// because package main requires one, and calls into kernelEntry itself
// as a defensive fallback in case a build ever does reach it through
// the ordinary Go entry path instead of boot_arm64.s.
func main() {
	kernelEntry(0, 0, 0)
}
