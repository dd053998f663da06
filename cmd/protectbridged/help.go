package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var bannerLeft = [...]string{
	`             _           _   `,
	` _ __ _ _ ___| |_ ___ __| |_ `,
	`| '_ \ '_/ _ \  _/ -_) _|  _|`,
	`| .__/_| \___/\__\___\__|\__|`,
	`|_|                          `,
}

var bannerRight = [...]string{
	` _        _    _          `,
	`| |__ _ _(_)__| |__ _ ___ `,
	`| '_ \ '_| / _' / _' / -_)`,
	`|_.__/_| |_\__,_\__, \___|`,
	`                |___/     `,
}

// Banner is printed ahead of the usage of the root command.
func banner() {
	r := color.New(color.FgRed)
	b := color.New(color.FgCyan)

	for i := range bannerLeft {
		r.Printf("%s", bannerLeft[i])
		b.Println(bannerRight[i])
	}
	fmt.Println()
}

func helpFunc(usage func(*cobra.Command, []string)) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		if !cmd.HasParent() {
			banner()
		}
		usage(cmd, args)
	}
}
