package gui

import (
	"context"
	"errors"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
	"github.com/rs/zerolog"

	"airwayseg/internal/logging"
	"airwayseg/pkg/config"
	"airwayseg/pkg/pipeline"
	"airwayseg/pkg/task"
)

const (
	AppName      = "Airway Segmentation"
	WindowWidth  = 720
	WindowHeight = 560
)

// App is the desktop shell.
type App struct {
	fyneApp fyne.App
	window  fyne.Window

	cfg      *config.Config
	logger   zerolog.Logger
	recorder pipeline.Recorder

	runner task.Runner
	status *widget.Label

	// current is the page on screen, nil on the home screen
	current *pageView
}

// New creates the main window. rec may be nil.
func New(fyneApp fyne.App, cfg *config.Config, logger zerolog.Logger, rec pipeline.Recorder) *App {
	window := fyneApp.NewWindow(AppName)
	window.Resize(fyne.NewSize(WindowWidth, WindowHeight))

	a := &App{
		fyneApp:  fyneApp,
		window:   window,
		cfg:      cfg,
		logger:   logging.Component(logger, "gui"),
		recorder: rec,
		status:   widget.NewLabel("Ready"),
	}
	a.showHome()
	return a
}

// Run shows the window and blocks until it is closed.
func (a *App) Run() {
	a.window.ShowAndRun()
}

func (a *App) setContent(body fyne.CanvasObject) {
	a.window.SetContent(container.NewBorder(nil, container.NewPadded(a.status), nil, nil, body))
}

func (a *App) showHome() {
	a.current = nil
	tiles := container.NewGridWithColumns(2)
	for _, p := range Pages {
		tile := widget.NewButton(p.Title(), func() { a.showPage(p) })
		tile.Importance = widget.HighImportance
		tiles.Add(container.NewVBox(tile, widget.NewLabel(p.Description())))
	}
	title := widget.NewLabelWithStyle(AppName, fyne.TextAlignCenter, fyne.TextStyle{Bold: true})
	a.setContent(container.NewBorder(title, nil, nil, nil, container.NewPadded(tiles)))
}

func (a *App) showPage(p Page) {
	v := newPageView(p)
	a.current = v
	a.setContent(v.content(a.window, a.showHome, func() { a.start(v) }))
}

// start validates the page and runs the pipeline behind a modal progress
// dialog. Cancel stops the steps still to come; files already produced are
// post-processed as in any run.
func (a *App) start(v *pageView) {
	params, err := v.page.Params(v.form())
	if err != nil {
		dialog.ShowError(err, a.window)
		return
	}
	params.Config = a.cfg
	params.Logger = a.logger

	stepLabel := widget.NewLabel("Starting...")
	ctx, cancel := context.WithCancel(context.Background())
	cancelButton := widget.NewButton("Cancel", func() {
		stepLabel.SetText("Cancelling...")
		cancel()
	})
	modal := widget.NewModalPopUp(container.NewVBox(
		widget.NewLabelWithStyle(v.page.Title(), fyne.TextAlignCenter, fyne.TextStyle{Bold: true}),
		stepLabel,
		widget.NewProgressBarInfinite(),
		cancelButton,
	), a.window.Canvas())

	params.Progress = func(e pipeline.Event) {
		fyne.Do(func() {
			stepLabel.SetText(e.Message)
			a.status.SetText(e.Message)
		})
	}

	var res *pipeline.Result
	_, err = a.runner.Start(ctx, func(ctx context.Context) error {
		var runErr error
		res, runErr = pipeline.Run(ctx, params, a.recorder)
		return runErr
	}, task.Hooks{
		OnStart: func() {
			v.startButton.Disable()
			modal.Show()
		},
		OnDone: func(err error) {
			cancel()
			fyne.Do(func() {
				modal.Hide()
				v.startButton.Enable()
				a.finish(res, err)
			})
		},
	})
	if err != nil {
		cancel()
		dialog.ShowError(err, a.window)
	}
}

func (a *App) finish(res *pipeline.Result, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		a.status.SetText("Cancelled")
		dialog.ShowInformation("Cancelled", "Processing was cancelled.", a.window)
	case err != nil:
		a.logger.Error().Err(err).Msg("Processing failed")
		a.status.SetText("Failed")
		dialog.ShowError(err, a.window)
	default:
		a.status.SetText("Done")
		dialog.ShowInformation("Processing complete", Summary(res), a.window)
	}
}
