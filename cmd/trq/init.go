package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/qasehq/trq/internal/config"
	"github.com/qasehq/trq/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented configuration template",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(configPath); err == nil {
		if !ui.IsTerminal() {
			return fmt.Errorf("%s already exists", configPath)
		}
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", configPath)).
			Affirmative("Overwrite").
			Negative("Keep").
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return err
		}
		if !overwrite {
			return nil
		}
		if err := os.Remove(configPath); err != nil {
			return err
		}
	}

	if err := config.WriteTemplate(configPath); err != nil {
		return err
	}
	fmt.Println(ui.RenderPassIcon() + " " + ui.RenderPass("wrote "+configPath))
	fmt.Println(ui.RenderMuted("fill in the tokens, then run: trq migrate"))
	return nil
}
