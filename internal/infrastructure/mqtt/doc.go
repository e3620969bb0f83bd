// Package mqtt provides MQTT client connectivity for pumpcore.
//
// The broker is an optional side channel. The core publishes each device's
// record as a retained message and accepts channel pushes from local
// publishers, which enter through the same coercion path as the webhook.
//
//	pumpcore/state/{device}          retained record after every commit
//	pumpcore/push/{device}/{channel} inbound channel value (payload "1")
//	pumpcore/system/status           retained online/offline, also the LWT
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllPushes("water-controller"), 1,
//	    func(topic string, payload []byte) error {
//	        _, channelID, _ := topics.ParsePush(topic)
//	        ...
//	    })
//
// Subscriptions are restored after reconnect. Handlers run on paho
// goroutines with panic recovery.
package mqtt
