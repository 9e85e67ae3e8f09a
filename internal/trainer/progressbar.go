// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressBarHookName is the name of the progress bar hooks.
const ProgressBarHookName = "stargan.progressbar"

// ProgressRefreshPeriod is the minimum time between terminal updates.
var ProgressRefreshPeriod = time.Millisecond * 500

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar displays the progress of the run and the latest losses, with a stats table redrawn in place.
type progressBar struct {
	bar        *progressbar.ProgressBar
	termenv    *termenv.Output
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	isFirstOutput    bool
	lastStepReported int64
	lastUpdate       time.Time
	updates          chan progressUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressUpdate struct {
	amount int
	rows   [][2]string
}

// AttachProgressBar displays a progress bar in the terminal, along with a table with the global step, the
// epoch, the median step duration and the latest discriminator and generator losses.
//
// The terminal is updated asynchronously, so a slow terminal never holds the training back.
func AttachProgressBar(loop *Loop) {
	pBar := &progressBar{
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		isFirstOutput: true,
		updates:       make(chan progressUpdate, 100),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarHookName, ProgressBarPriority, pBar.onStart)
	loop.OnStep(ProgressBarHookName, ProgressBarPriority, pBar.onStep)
	loop.OnEnd(ProgressBarHookName, ProgressBarPriority, pBar.onEnd)
}

func (pBar *progressBar) onStart(loop *Loop) error {
	pBar.lastStepReported = loop.GlobalStep
	numSteps := max(loop.EndStep-loop.StartStep, 0)
	pBar.bar = progressbar.NewOptions64(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	pBar.asyncUpdatesDone.Add(1)
	go pBar.draw(loop)
	return nil
}

func (pBar *progressBar) onStep(loop *Loop, result *StepResult) error {
	if time.Since(pBar.lastUpdate) < ProgressRefreshPeriod && result.GlobalStep < loop.EndStep {
		return nil
	}
	pBar.lastUpdate = time.Now()
	amount := int(result.GlobalStep - pBar.lastStepReported)
	pBar.lastStepReported = result.GlobalStep
	d, g := result.Discriminator, result.Generator
	pBar.updates <- progressUpdate{
		amount: amount,
		rows: [][2]string{
			{"Global Step", fmt.Sprintf("%s of %s", humanize.Comma(result.GlobalStep), humanize.Comma(loop.EndStep))},
			{"Epoch", fmt.Sprintf("%d of %d", result.Epoch+1, loop.Config.Epochs)},
			{"Median step duration", commandline.FormatDuration(loop.MedianStepDuration())},
			{"D loss (real adv / fake adv / real cls)", fmt.Sprintf("%.4f (%.4f / %.4f / %.4f)",
				d.Loss, d.Terms.RealAdversarial, d.Terms.FakeAdversarial, d.Terms.RealClassification)},
			{"G loss (fake adv / fake cls / recon)", fmt.Sprintf("%.4f (%.4f / %.4f / %.4f)",
				g.Loss, g.Terms.FakeAdversarial, g.Terms.FakeClassification, g.Terms.Reconstruction)},
		},
	}
	return nil
}

// draw prints the updates, exhausting the queued ones first.
func (pBar *progressBar) draw(loop *Loop) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			// Table rows plus its borders, and the progress bar line.
			pBar.termenv.CursorPrevLine(len(update.rows) + 2 + 1)
		}
		pBar.isFirstOutput = false
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.termenv.ShowCursor()
	}
}

func (pBar *progressBar) onEnd(_ *Loop, _ error) error {
	if pBar.bar == nil {
		// Run ended before starting.
		return nil
	}
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
	return nil
}
