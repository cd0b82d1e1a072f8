// Package progress provides the terminal side of the trainers: Ctrl+C
// capture with a graceful shutdown window, a cycle progress bar, and a
// styled one-line metrics summary printed after each update.
package progress

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/microrts-go/trainer/internal/coordinator"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	alertStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls the
// provided onInterrupt. If the program hasn't exited after gracePeriod,
// it resets the terminal and exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutdown period of %s expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n")
}

// NewCycleBar returns a progress bar over the planned update cycles.
func NewCycleBar(numUpdates int) *progressbar.ProgressBar {
	return progressbar.NewOptions(numUpdates,
		progressbar.OptionSetDescription("training"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("cycles"),
		progressbar.OptionClearOnFinish(),
	)
}

// FormatCycle renders one update cycle's metrics as a single styled
// line.
func FormatCycle(r coordinator.CycleReport) string {
	s := r.Stats
	line := fmt.Sprintf("%s %s  %s %s  %s %.4f  %s %.4f  %s %.3f  %s %.4f  %s %.3f",
		labelStyle.Render("update"), valueStyle.Render(fmt.Sprintf("%d", s.Update)),
		labelStyle.Render("steps"), valueStyle.Render(fmt.Sprintf("%d", r.Timesteps)),
		labelStyle.Render("loss"), s.Loss,
		labelStyle.Render("pg"), s.PolicyLoss,
		labelStyle.Render("value"), s.ValueLoss,
		labelStyle.Render("entropy"), s.Entropy,
		labelStyle.Render("kl"), s.ApproxKL)
	if s.Divergence != 0 {
		line += fmt.Sprintf("  %s %.4f", labelStyle.Render("div"), s.Divergence)
	}
	if s.EarlyStopEpoch > 0 {
		line += "  " + alertStyle.Render(fmt.Sprintf("kl-stop@%d", s.EarlyStopEpoch))
	}
	if s.RolledBack {
		line += "  " + alertStyle.Render("rolled-back")
	}
	return line
}

// FormatEpisode renders a finished episode's return and length.
func FormatEpisode(envIndex int, episodeReturn float32, length int) string {
	return fmt.Sprintf("%s env=%d return=%.2f length=%d",
		labelStyle.Render("episode"), envIndex, episodeReturn, length)
}
