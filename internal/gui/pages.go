package gui

import (
	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"airwayseg/internal/models"
)

// pageView holds the widgets of one task page.
type pageView struct {
	page Page

	input    *widget.Entry
	fileType *widget.RadioGroup
	rename   *widget.Check
	nickname *widget.Entry
	start    *widget.Entry

	convert  *widget.Check
	predict  *widget.Check
	volume   *widget.Check
	stl      *widget.Check
	previews *widget.Check

	startButton *widget.Button
}

func newPageView(p Page) *pageView {
	d := p.Defaults()
	v := &pageView{page: p}

	v.input = widget.NewEntry()
	v.input.SetPlaceHolder("Input folder")

	v.fileType = widget.NewRadioGroup([]string{string(models.FileTypeDICOM), string(models.FileTypeNIfTI)}, nil)
	v.fileType.Horizontal = true
	v.fileType.SetSelected(string(d.FileType))

	v.nickname = widget.NewEntry()
	v.nickname.SetPlaceHolder("Nickname, e.g. Airway")
	v.start = widget.NewEntry()
	v.start.SetText(d.Start)
	v.rename = widget.NewCheck("Anonymize and rename cases", func(on bool) {
		if on {
			v.nickname.Enable()
			v.start.Enable()
		} else {
			v.nickname.Disable()
			v.start.Disable()
		}
	})
	v.rename.SetChecked(d.Rename)
	v.nickname.Disable()
	v.start.Disable()

	v.convert = newCheck("Convert DICOM to NIfTI", d.Convert)
	v.predict = newCheck("Segment airway", d.Predict)
	v.volume = newCheck("Calculate volume", d.Volume)
	v.stl = newCheck("Export STL", d.STL)
	v.previews = newCheck("Save QC previews", d.Previews)

	// conversion only applies to DICOM input
	v.fileType.OnChanged = func(s string) {
		if s == string(models.FileTypeNIfTI) {
			v.convert.SetChecked(false)
			v.convert.Disable()
		} else {
			v.convert.Enable()
		}
	}
	return v
}

func newCheck(label string, checked bool) *widget.Check {
	c := widget.NewCheck(label, nil)
	c.SetChecked(checked)
	return c
}

// form reads the widgets.
func (v *pageView) form() Form {
	return Form{
		Input:    v.input.Text,
		FileType: models.FileType(v.fileType.Selected),
		Rename:   v.rename.Checked,
		Nickname: v.nickname.Text,
		Start:    v.start.Text,
		Convert:  v.convert.Checked,
		Predict:  v.predict.Checked,
		Volume:   v.volume.Checked,
		STL:      v.stl.Checked,
		Previews: v.previews.Checked,
	}
}

// content lays out the page.
func (v *pageView) content(window fyne.Window, onBack, onStart func()) fyne.CanvasObject {
	fl := v.page.fields()

	browse := widget.NewButton("Browse...", func() {
		dialog.ShowFolderOpen(func(uri fyne.ListableURI, err error) {
			if err != nil {
				dialog.ShowError(err, window)
				return
			}
			if uri == nil {
				return
			}
			v.input.SetText(uri.Path())
		}, window)
	})

	form := widget.NewForm(widget.NewFormItem("Input", container.NewBorder(nil, nil, nil, browse, v.input)))
	if fl.FileType {
		form.Append("File type", v.fileType)
	}
	if fl.Rename {
		form.Append("", v.rename)
		form.Append("Nickname", v.nickname)
		form.Append("Start index", v.start)
	}

	steps := container.NewVBox()
	for _, s := range []struct {
		show  bool
		check *widget.Check
	}{
		{fl.Convert, v.convert},
		{fl.Predict, v.predict},
		{fl.Volume, v.volume},
		{fl.STL, v.stl},
		{fl.Previews, v.previews},
	} {
		if s.show {
			steps.Add(s.check)
		}
	}

	v.startButton = widget.NewButton("Start", onStart)
	v.startButton.Importance = widget.HighImportance

	header := container.NewVBox(
		container.NewHBox(widget.NewButton("Back", onBack), widget.NewLabelWithStyle(v.page.Title(), fyne.TextAlignLeading, fyne.TextStyle{Bold: true})),
		widget.NewLabel(v.page.Description()),
		widget.NewSeparator(),
	)
	return container.NewBorder(header, container.NewPadded(v.startButton), nil, nil,
		container.NewVScroll(container.NewVBox(form, steps)))
}
