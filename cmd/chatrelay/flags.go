package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	cobra.CheckErr(v.BindPFlag(key, f))
}
