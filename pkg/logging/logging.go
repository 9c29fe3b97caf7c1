/*
Copyright 2024 The CdsCTF Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging bootstraps the process-wide zap logger and routes
// controller-runtime, klog and the zap globals through it.
package logging

import (
	"flag"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	gozap "go.uber.org/zap"
	klog "k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Options carries the zap flag surface (--zap-log-level,
// --zap-encoder, ...).
type Options struct {
	Zap zap.Options
}

func NewOptions() *Options {
	return &Options{
		Zap: zap.Options{Development: false},
	}
}

// AddFlags registers the zap flags on fs.
func (o *Options) AddFlags(fs *flag.FlagSet) {
	if fs == nil {
		fs = flag.CommandLine
	}
	o.Zap.BindFlags(fs)
}

// Setup builds the root logger from the parsed flags and installs it
// everywhere log lines can originate: controller-runtime, klog (the
// client-go machinery logs through it) and the zap globals.
func (o *Options) Setup() logr.Logger {
	raw := zap.NewRaw(zap.UseFlagOptions(&o.Zap), zap.RawZapOpts(gozap.AddCaller()))
	logger := zapr.NewLogger(raw)

	ctrl.SetLogger(logger)
	klog.SetLogger(logger)
	gozap.ReplaceGlobals(raw)
	return logger
}
