package mqttbus

import (
	"context"
	"sort"

	"github.com/illmade-knight/go-robobridge/pkg/middleware"
)

// announcementsLocked returns every known announcement including our own.
func (b *Bus) announcementsLocked() []announcement {
	out := make([]announcement, 0, len(b.remote)+1)
	out = append(out, b.ownAnnouncementLocked())
	for _, a := range b.remote {
		out = append(out, a)
	}
	return out
}

// TopicNamesAndTypes implements middleware.Bus.
func (b *Bus) TopicNamesAndTypes(_ context.Context) ([]middleware.NamesAndTypes, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make(map[string]string)
	for _, a := range b.announcementsLocked() {
		for _, ep := range a.Publishers {
			types[ep.Topic] = ep.Type
		}
		for _, ep := range a.Subscribers {
			if _, ok := types[ep.Topic]; !ok {
				types[ep.Topic] = ep.Type
			}
		}
	}
	out := make([]middleware.NamesAndTypes, 0, len(types))
	for name, t := range types {
		out = append(out, middleware.NamesAndTypes{Name: name, Types: []string{t}})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// NodeNames implements middleware.Bus.
func (b *Bus) NodeNames(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := []string{b.nodeName}
	for _, a := range b.remote {
		names = append(names, a.Node)
	}
	sort.Strings(names)
	return names, nil
}

// ServiceNamesAndTypes implements middleware.Bus.
func (b *Bus) ServiceNamesAndTypes(_ context.Context) ([]middleware.NamesAndTypes, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []middleware.NamesAndTypes
	for _, a := range b.remote {
		for _, s := range a.Services {
			out = append(out, middleware.NamesAndTypes{Name: s.Name, Types: []string{s.Type}})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PublishersInfoByTopic implements middleware.Bus.
func (b *Bus) PublishersInfoByTopic(_ context.Context, topic string) ([]middleware.EndpointInfo, error) {
	return b.endpoints(topic, true), nil
}

// SubscriptionsInfoByTopic implements middleware.Bus.
func (b *Bus) SubscriptionsInfoByTopic(_ context.Context, topic string) ([]middleware.EndpointInfo, error) {
	return b.endpoints(topic, false), nil
}

func (b *Bus) endpoints(topic string, publishers bool) []middleware.EndpointInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []middleware.EndpointInfo
	for _, a := range b.announcementsLocked() {
		eps := a.Subscribers
		if publishers {
			eps = a.Publishers
		}
		for _, ep := range eps {
			if ep.Topic == topic {
				out = append(out, middleware.EndpointInfo{
					NodeName:      a.Node,
					NodeNamespace: "/",
					TopicType:     ep.Type,
					QoS:           ep.QoS,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out
}

// ParameterNames implements middleware.Bus.
func (b *Bus) ParameterNames(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, a := range b.remote {
		for _, p := range a.Parameters {
			out = append(out, a.Node+":"+p)
		}
	}
	sort.Strings(out)
	return out, nil
}
