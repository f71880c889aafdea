package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/soshogle/nexrel-crm-sub028/internal/channel"
	"github.com/soshogle/nexrel-crm-sub028/internal/lead"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// Custom step actions backed by the lead store.
const (
	handlerTagLead   = "crm.tag_lead"
	handlerSetStatus = "crm.set_lead_status"
)

func registerLeadHandlers(reg *channel.HandlerRegistry, leads lead.Store) {
	reg.Register(handlerTagLead, tagLead(leads))
	reg.Register(handlerSetStatus, setLeadStatus(leads))
}

// tagLead adds params.tag to the lead. Re-running it is a no-op.
func tagLead(leads lead.Store) channel.HandlerFunc {
	return func(ctx context.Context, msg channel.Message) (channel.Receipt, error) {
		tag, err := stringParam(msg, "tag")
		if err != nil {
			return channel.Receipt{}, err
		}
		return updateLead(ctx, leads, msg, func(l *model.LeadSnapshot) {
			if !slices.Contains(l.Tags, tag) {
				l.Tags = append(l.Tags, tag)
			}
		})
	}
}

// setLeadStatus sets the lead's pipeline status to params.status.
func setLeadStatus(leads lead.Store) channel.HandlerFunc {
	return func(ctx context.Context, msg channel.Message) (channel.Receipt, error) {
		status, err := stringParam(msg, "status")
		if err != nil {
			return channel.Receipt{}, err
		}
		return updateLead(ctx, leads, msg, func(l *model.LeadSnapshot) {
			l.Status = status
		})
	}
}

func updateLead(ctx context.Context, leads lead.Store, msg channel.Message, mutate func(*model.LeadSnapshot)) (channel.Receipt, error) {
	current, err := leads.GetLead(ctx, msg.TenantID, msg.Lead.ID)
	if err != nil {
		return channel.Receipt{}, err
	}
	mutate(&current)
	if _, err := leads.UpsertLead(ctx, current); err != nil {
		return channel.Receipt{}, err
	}
	return channel.Receipt{ProviderID: msg.Handler + ":" + current.ID, Status: model.DeliveryDelivered}, nil
}

func stringParam(msg channel.Message, name string) (string, error) {
	v, _ := msg.Params[name].(string)
	if v == "" {
		return "", fmt.Errorf("%w: %s requires a string %q param", channel.ErrMalformed, msg.Handler, name)
	}
	return v, nil
}
